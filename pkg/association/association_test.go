package association

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-carlink/carlink/pkg/carlink"
	"github.com/go-carlink/carlink/pkg/carstore"
	"github.com/go-carlink/carlink/pkg/framing"
	"github.com/go-carlink/carlink/pkg/handshake"
	"github.com/go-carlink/carlink/pkg/transport"
	"github.com/go-carlink/carlink/pkg/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSessionContext is a length-preserving XOR "cipher" shared between
// fakeHandshake and the car-side test scripts below, standing in for a
// real UKey2 session just well enough to exercise the encrypt/decrypt/save
// seams AssociationSM depends on.
type fakeSessionContext struct {
	key []byte
}

func xorWithKey(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out
}

func (s *fakeSessionContext) Encrypt(plaintext []byte) ([]byte, error) {
	return xorWithKey(plaintext, s.key), nil
}

func (s *fakeSessionContext) Decrypt(ciphertext []byte) ([]byte, error) {
	return xorWithKey(ciphertext, s.key), nil
}

func (s *fakeSessionContext) Save() ([]byte, error) {
	return append([]byte(nil), s.key...), nil
}

// fakeHandshake is a minimal Handshake: one round trip ("HELLO" /
// "HELLO-ACK"), then a single pairing-code verification step.
type fakeHandshake struct {
	key         []byte
	pairingCode string
	calls       int
}

func newFakeHandshake(key []byte, pairingCode string) *fakeHandshake {
	return &fakeHandshake{key: key, pairingCode: pairingCode}
}

func (h *fakeHandshake) Start(ctx context.Context) ([]byte, error) {
	return []byte("HELLO"), nil
}

func (h *fakeHandshake) HandleMessage(ctx context.Context, msg []byte) ([]byte, bool, bool, error) {
	h.calls++
	return nil, true, false, nil
}

func (h *fakeHandshake) ConfirmVerification(ctx context.Context) ([]byte, bool, error) {
	return []byte("CONFIRM-ACK"), true, nil
}

func (h *fakeHandshake) PairingCode() (string, error) {
	return h.pairingCode, nil
}

func (h *fakeHandshake) SessionContext() (handshake.SessionContext, error) {
	return &fakeSessionContext{key: h.key}, nil
}

var _ handshake.Handshake = (*fakeHandshake)(nil)

// fakePeripheral wraps one end of a simulated Link, with discovery steps
// that succeed or fail as configured.
type fakePeripheral struct {
	link                        transport.Link
	discoverServicesErr         error
	discoverCharacteristicsErr  error
}

func (p *fakePeripheral) DiscoverServices(ctx context.Context) error        { return p.discoverServicesErr }
func (p *fakePeripheral) DiscoverCharacteristics(ctx context.Context) error { return p.discoverCharacteristicsErr }
func (p *fakePeripheral) Link() transport.Link                             { return p.link }

var _ Peripheral = (*fakePeripheral)(nil)

// fakeDelegate records every callback AssociationSM raises.
type fakeDelegate struct {
	mu            sync.Mutex
	carIDs        []uuid.UUID
	pairingCodes  []string
	completed     []carstore.AssociationRecord
	errs          []error
}

func (d *fakeDelegate) DidReceiveCarID(carID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.carIDs = append(d.carIDs, carID)
}

func (d *fakeDelegate) RequiresDisplayOf(pairingCode string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pairingCodes = append(d.pairingCodes, pairingCode)
}

func (d *fakeDelegate) DidCompleteAssociation(rec carstore.AssociationRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completed = append(d.completed, rec)
}

func (d *fakeDelegate) DidEncounterError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

var _ Delegate = (*fakeDelegate)(nil)

// carNegotiateVersion plays the head unit's half of the version exchange
// over peripheral, advertising the given range, and reports whether V2
// framing on the other side will run with compression enabled.
func carNegotiateVersion(t *testing.T, peripheral transport.Link, minMsg, maxMsg, minSec, maxSec int32) bool {
	t.Helper()
	p := framing.NewPassthrough(peripheral)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var client wire.VersionExchange
	select {
	case d := <-p.Deliveries():
		require.NoError(t, client.Unmarshal(d.Payload))
	case <-ctx.Done():
		t.Fatal("timed out awaiting client version exchange")
	}

	ours := &wire.VersionExchange{
		MinMessagingVersion: minMsg,
		MaxMessagingVersion: maxMsg,
		MinSecurityVersion:  minSec,
		MaxSecurityVersion:  maxSec,
	}
	require.NoError(t, p.Write(ctx, ours.Marshal(), 0, ""))

	resolvedMsg := min(client.MaxMessagingVersion, maxMsg)
	return resolvedMsg == 3
}

// carRunV1 plays the head unit's half of a V1 association: reply with
// carID, then HELLO-ACK, then the explicit pairing-code confirmation.
func carRunV1(t *testing.T, peripheral transport.Link, compression bool, carID [16]byte, confirmationMessage string) {
	t.Helper()
	stream := framing.NewV2(peripheral, compression)
	defer stream.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	awaitDelivery(t, ctx, stream) // deviceID

	require.NoError(t, stream.Write(ctx, carID[:], carlink.OperationClientMessage, carlink.DefaultRecipientUUID))

	awaitDelivery(t, ctx, stream) // "HELLO"
	require.NoError(t, stream.Write(ctx, []byte("HELLO-ACK"), carlink.OperationEncryptionHandshake, carlink.DefaultRecipientUUID))

	require.NoError(t, stream.Write(ctx, []byte(confirmationMessage), carlink.OperationClientMessage, carlink.DefaultRecipientUUID))
}

// carRunV2Plus plays the head unit's half of a V2/V3 association: HELLO-ACK,
// then (once the phone's self-confirmed handshake completes) the encrypted
// carID, then consume the encrypted device-id||auth-key message.
func carRunV2Plus(t *testing.T, peripheral transport.Link, compression bool, key []byte, carID [16]byte, withCapabilities bool) []byte {
	t.Helper()
	stream := framing.NewV2(peripheral, compression)
	defer stream.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	awaitDelivery(t, ctx, stream) // "HELLO"
	require.NoError(t, stream.Write(ctx, []byte("HELLO-ACK"), carlink.OperationEncryptionHandshake, carlink.DefaultRecipientUUID))

	awaitDelivery(t, ctx, stream) // "CONFIRM-ACK": handshake complete signal

	if withCapabilities {
		payload := awaitDelivery(t, ctx, stream)
		_ = xorWithKey(payload, key) // capabilities request, ignored
		require.NoError(t, stream.Write(ctx, xorWithKey(nil, key), carlink.OperationClientMessage, carlink.DefaultRecipientUUID))
	}

	require.NoError(t, stream.Write(ctx, xorWithKey(carID[:], key), carlink.OperationClientMessage, carlink.DefaultRecipientUUID))

	final := awaitDelivery(t, ctx, stream)
	return xorWithKey(final, key)
}

func awaitDelivery(t *testing.T, ctx context.Context, stream framing.Stream) []byte {
	t.Helper()
	select {
	case d := <-stream.Deliveries():
		return d.Payload
	case err := <-stream.Errors():
		t.Fatalf("stream error: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out awaiting delivery")
	}
	return nil
}

func TestAssociationSMRunV1HappyPath(t *testing.T) {
	central, peripheral := transport.NewSimulatedLinkPair(0)

	var carID [16]byte
	for i := range carID {
		carID[i] = byte(i)
	}

	delegate := &fakeDelegate{}
	store := carstore.NewMemoryKeyStore()
	sm := New(Config{
		Peripheral:       &fakePeripheral{link: central},
		HandshakeFactory: func() handshake.Handshake { return newFakeHandshake([]byte("irrelevant-v1-key"), "000000") },
		KeyStore:         store,
		Delegate:         delegate,
		DeviceID:         []byte("phone-device-id-"),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		compression := carNegotiateVersion(t, peripheral, 2, 2, 1, 1)
		carRunV1(t, peripheral, compression, carID, pairingConfirmedMessage)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sm.Run(ctx))
	wg.Wait()

	wantID, err := uuid.FromBytes(carID[:])
	require.NoError(t, err)

	require.Len(t, delegate.carIDs, 1)
	require.Equal(t, wantID, delegate.carIDs[0])
	require.Len(t, delegate.completed, 1)
	require.Equal(t, wantID.String(), delegate.completed[0].CarID)
	require.Equal(t, 1, delegate.completed[0].SecurityVersion)
	require.Empty(t, delegate.errs)

	rec, ok, err := store.Get(wantID.String())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, [32]byte{}, rec.AuthKey)
}

func TestAssociationSMRunV1PairingCodeRejected(t *testing.T) {
	central, peripheral := transport.NewSimulatedLinkPair(0)

	var carID [16]byte
	for i := range carID {
		carID[i] = byte(0x20 + i)
	}

	delegate := &fakeDelegate{}
	sm := New(Config{
		Peripheral:       &fakePeripheral{link: central},
		HandshakeFactory: func() handshake.Handshake { return newFakeHandshake([]byte("irrelevant-key"), "000000") },
		KeyStore:         carstore.NewMemoryKeyStore(),
		Delegate:         delegate,
		DeviceID:         []byte("phone-device-id-"),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		compression := carNegotiateVersion(t, peripheral, 2, 2, 1, 1)
		carRunV1(t, peripheral, compression, carID, "not the confirmation string")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sm.Run(ctx)
	wg.Wait()

	require.Error(t, err)
	var assocErr *Error
	require.ErrorAs(t, err, &assocErr)
	require.Equal(t, PairingCodeRejected, assocErr.Kind)
	require.Empty(t, delegate.completed)
}

func TestAssociationSMRunV2HappyPath(t *testing.T) {
	central, peripheral := transport.NewSimulatedLinkPair(0)

	var carID [16]byte
	for i := range carID {
		carID[i] = byte(0x10 + i)
	}
	key := []byte("shared-fake-session-key-2")

	delegate := &fakeDelegate{}
	store := carstore.NewMemoryKeyStore()
	sm := New(Config{
		Peripheral:       &fakePeripheral{link: central},
		HandshakeFactory: func() handshake.Handshake { return newFakeHandshake(key, "123456") },
		KeyStore:         store,
		Delegate:         delegate,
		DeviceID:         []byte("phone-device-id-"),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	var finalPayload []byte
	go func() {
		defer wg.Done()
		compression := carNegotiateVersion(t, peripheral, 2, 2, 1, 2)
		finalPayload = carRunV2Plus(t, peripheral, compression, key, carID, false)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sm.Run(ctx))
	wg.Wait()

	wantID, err := uuid.FromBytes(carID[:])
	require.NoError(t, err)

	require.Len(t, delegate.completed, 1)
	rec := delegate.completed[0]
	require.Equal(t, wantID.String(), rec.CarID)
	require.Equal(t, 2, rec.SecurityVersion)
	require.NotEqual(t, [32]byte{}, rec.AuthKey)

	require.Len(t, finalPayload, len("phone-device-id-")+32)
	require.Equal(t, []byte("phone-device-id-"), finalPayload[:len("phone-device-id-")])

	storedRec, ok, err := store.Get(wantID.String())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.AuthKey, storedRec.AuthKey)
}

func TestAssociationSMRunV3HappyPathWithCapabilities(t *testing.T) {
	central, peripheral := transport.NewSimulatedLinkPair(0)

	var carID [16]byte
	for i := range carID {
		carID[i] = byte(0x30 + i)
	}
	key := []byte("shared-fake-session-key-3")

	delegate := &fakeDelegate{}
	sm := New(Config{
		Peripheral:       &fakePeripheral{link: central},
		HandshakeFactory: func() handshake.Handshake { return newFakeHandshake(key, "123456") },
		KeyStore:         carstore.NewMemoryKeyStore(),
		Delegate:         delegate,
		DeviceID:         []byte("phone-device-id-"),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		compression := carNegotiateVersion(t, peripheral, 2, 3, 1, 3)
		carRunV2Plus(t, peripheral, compression, key, carID, true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sm.Run(ctx))
	wg.Wait()

	require.Len(t, delegate.completed, 1)
	require.Equal(t, 3, delegate.completed[0].SecurityVersion)
}

func TestAssociationSMRunFailsOnDiscoverServicesError(t *testing.T) {
	central, _ := transport.NewSimulatedLinkPair(0)
	delegate := &fakeDelegate{}
	sm := New(Config{
		Peripheral: &fakePeripheral{link: central, discoverServicesErr: errDiscoverBoom},
		KeyStore:   carstore.NewMemoryKeyStore(),
		Delegate:   delegate,
		DeviceID:   []byte("phone-device-id-"),
	})

	err := sm.Run(context.Background())
	require.Error(t, err)
	var assocErr *Error
	require.ErrorAs(t, err, &assocErr)
	require.Equal(t, CannotDiscoverServices, assocErr.Kind)
	require.Len(t, delegate.errs, 1)
}

var errDiscoverBoom = errDiscoverBoomType{}

type errDiscoverBoomType struct{}

func (errDiscoverBoomType) Error() string { return "discovery boom" }
