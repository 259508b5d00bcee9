package trusteddevice

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-carlink/carlink/pkg/carlink"
	"github.com/go-carlink/carlink/pkg/carstore"
	"github.com/go-carlink/carlink/pkg/featurehost"
	"github.com/go-carlink/carlink/pkg/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSender struct {
	mu  sync.Mutex
	out []wire.TrustedDeviceMessage
}

func (s *fakeSender) WriteEncrypted(ctx context.Context, payload []byte, operationType carlink.OperationType, recipient carlink.RecipientUUID) error {
	msg, err := wire.UnmarshalTrustedDeviceMessage(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.out = append(s.out, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) last() (wire.TrustedDeviceMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.out) == 0 {
		return wire.TrustedDeviceMessage{}, false
	}
	return s.out[len(s.out)-1], true
}

func (s *fakeSender) drain() []wire.TrustedDeviceMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.out
	s.out = nil
	return out
}

type fixedEnvironment struct {
	passcodeRequired bool
	passcodeSet      bool
	deviceLocked     bool
	unlockRequired   bool
}

func (e fixedEnvironment) PasscodeRequired() bool            { return e.passcodeRequired }
func (e fixedEnvironment) PasscodeSet() bool                 { return e.passcodeSet }
func (e fixedEnvironment) DeviceLocked() bool                { return e.deviceLocked }
func (e fixedEnvironment) DeviceUnlockRequired(string) bool { return e.unlockRequired }

type fakeDelegate struct {
	mu          sync.Mutex
	enrolled    []featurehost.Car
	unlocked    []featurehost.Car
	unenrolled  []featurehost.Car
	fromCar     []bool
	errs        []error
}

func (d *fakeDelegate) DidCompleteEnrolling(car featurehost.Car) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enrolled = append(d.enrolled, car)
}

func (d *fakeDelegate) DidFinishUnlocking(car featurehost.Car) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unlocked = append(d.unlocked, car)
}

func (d *fakeDelegate) DidUnenroll(car featurehost.Car, initiatedFromCar bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unenrolled = append(d.unenrolled, car)
	d.fromCar = append(d.fromCar, initiatedFromCar)
}

func (d *fakeDelegate) DidEncounterError(car featurehost.Car, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func newTestFeature(t *testing.T, env Environment) (*TrustedDeviceFeature, *fakeSender, *fakeDelegate, carstore.TrustedDeviceStore, carstore.HistoryStore) {
	t.Helper()
	sender := &fakeSender{}
	delegate := &fakeDelegate{}
	store := carstore.NewMemoryTrustedDeviceStore()
	history := carstore.NewMemoryHistoryStore()
	f := New(Config{
		Store:          store,
		History:        history,
		HistoryEnabled: true,
		Environment:    env,
		Delegate:       delegate,
		Sender:         sender,
	})
	return f, sender, delegate, store, history
}

var readyEnv = fixedEnvironment{passcodeRequired: true, passcodeSet: true, deviceLocked: false, unlockRequired: true}

func TestEnrollHappyPath(t *testing.T) {
	f, sender, delegate, store, _ := newTestFeature(t, readyEnv)
	car := featurehost.Car{CarID: "car-1", Name: "Test"}

	require.NoError(t, f.Enroll(car))
	escrowMsg, ok := sender.last()
	require.True(t, ok)
	require.Equal(t, wire.TrustedDeviceEscrowToken, escrowMsg.Type)
	require.Len(t, escrowMsg.Payload, EscrowTokenSize)

	handle := []byte("car-issued-handle")
	f.OnMessageReceived(wire.TrustedDeviceMessage{Type: wire.TrustedDeviceHandle, Payload: handle}.Marshal(), car)

	ackMsg, ok := sender.last()
	require.True(t, ok)
	require.Equal(t, wire.TrustedDeviceAck, ackMsg.Type)

	require.Len(t, delegate.enrolled, 1)
	require.Equal(t, car, delegate.enrolled[0])

	rec, ok, err := store.Get(car.CarID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, escrowMsg.Payload, rec.EscrowToken)
	require.True(t, bytes.Equal(handle, rec.Handle))
}

func TestEnrollFailsWhenDeviceNotSecured(t *testing.T) {
	env := fixedEnvironment{passcodeRequired: true, passcodeSet: false}
	f, sender, delegate, _, _ := newTestFeature(t, env)
	car := featurehost.Car{CarID: "car-1"}

	err := f.Enroll(car)
	require.Error(t, err)
	var tdErr *Error
	require.ErrorAs(t, err, &tdErr)
	require.Equal(t, PasscodeNotSet, tdErr.Kind)

	msg, ok := sender.last()
	require.True(t, ok)
	require.Equal(t, wire.TrustedDeviceErrorMessage, msg.Type)
	require.Equal(t, []byte{byte(wire.TrustedDeviceErrorDeviceNotSecured)}, msg.Payload)
	require.Len(t, delegate.errs, 1)
}

func TestUnlockHappyPathAppendsHistory(t *testing.T) {
	f, sender, delegate, store, history := newTestFeature(t, readyEnv)
	car := featurehost.Car{CarID: "car-1"}
	require.NoError(t, store.Put(carstore.TrustedDeviceRecord{CarID: "car-1", EscrowToken: []byte("tok"), Handle: []byte("hdl")}))

	f.OnSecureChannelEstablished(car)

	unlockMsg, ok := sender.last()
	require.True(t, ok)
	require.Equal(t, wire.TrustedDeviceUnlockCredentials, unlockMsg.Type)
	gotToken, gotHandle, err := wire.DecodeUnlockCredentials(unlockMsg.Payload)
	require.NoError(t, err)
	require.Equal(t, []byte("tok"), gotToken)
	require.Equal(t, []byte("hdl"), gotHandle)

	f.OnMessageReceived(wire.TrustedDeviceMessage{Type: wire.TrustedDeviceAck}.Marshal(), car)

	require.Len(t, delegate.unlocked, 1)
	recs, err := history.List("car-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestUnlockFailsWhenDeviceLocked(t *testing.T) {
	env := fixedEnvironment{passcodeRequired: true, passcodeSet: true, deviceLocked: true, unlockRequired: true}
	f, sender, delegate, store, _ := newTestFeature(t, env)
	car := featurehost.Car{CarID: "car-1"}
	require.NoError(t, store.Put(carstore.TrustedDeviceRecord{CarID: "car-1", EscrowToken: []byte("tok"), Handle: []byte("hdl")}))

	f.OnSecureChannelEstablished(car)

	msg, ok := sender.last()
	require.True(t, ok)
	require.Equal(t, wire.TrustedDeviceErrorMessage, msg.Type)
	require.Equal(t, []byte{byte(wire.TrustedDeviceErrorDeviceLocked)}, msg.Payload)
	require.Len(t, delegate.errs, 1)
}

func TestUnlockSkippedWhenNotEnrolled(t *testing.T) {
	f, sender, _, _, _ := newTestFeature(t, readyEnv)
	car := featurehost.Car{CarID: "car-never-enrolled"}

	f.OnSecureChannelEstablished(car)
	_, ok := sender.last()
	require.False(t, ok)
}

func TestStateSyncFromCarUnenrollsLocally(t *testing.T) {
	f, sender, delegate, store, history := newTestFeature(t, readyEnv)
	car := featurehost.Car{CarID: "car-1"}
	require.NoError(t, store.Put(carstore.TrustedDeviceRecord{CarID: "car-1", EscrowToken: []byte("tok"), Handle: []byte("hdl")}))
	require.NoError(t, history.Append(carstore.UnlockRecord{CarID: "car-1"}))

	f.OnMessageReceived(wire.TrustedDeviceMessage{Type: wire.TrustedDeviceStateSync, Payload: []byte{0}}.Marshal(), car)

	require.Len(t, delegate.unenrolled, 1)
	require.True(t, delegate.fromCar[0])
	_, ok, err := store.Get("car-1")
	require.NoError(t, err)
	require.False(t, ok)
	recs, err := history.List("car-1")
	require.NoError(t, err)
	require.Empty(t, recs)

	// Unenrollment initiated from the car must not echo a StateSync back.
	_, sent := sender.last()
	require.False(t, sent)
}

func TestLocalUnenrollQueuesStateSyncAndSendsOnNextChannel(t *testing.T) {
	f, sender, _, store, _ := newTestFeature(t, readyEnv)
	car := featurehost.Car{CarID: "car-1"}
	require.NoError(t, store.Put(carstore.TrustedDeviceRecord{CarID: "car-1", EscrowToken: []byte("tok"), Handle: []byte("hdl")}))

	require.NoError(t, f.Unenroll(car))
	_, sentImmediately := sender.last()
	require.False(t, sentImmediately)

	f.OnSecureChannelEstablished(car)
	msg, ok := sender.last()
	require.True(t, ok)
	require.Equal(t, wire.TrustedDeviceStateSync, msg.Type)
	require.Equal(t, []byte{0}, msg.Payload)

	sender.drain()
	f.OnSecureChannelEstablished(car)
	_, sentAgain := sender.last()
	require.False(t, sentAgain)
}

func TestDisassociationClearsEverything(t *testing.T) {
	f, _, _, store, history := newTestFeature(t, readyEnv)
	car := featurehost.Car{CarID: "car-1"}
	require.NoError(t, store.Put(carstore.TrustedDeviceRecord{CarID: "car-1", EscrowToken: []byte("tok"), Handle: []byte("hdl")}))
	require.NoError(t, history.Append(carstore.UnlockRecord{CarID: "car-1"}))
	require.NoError(t, f.Unenroll(car))

	f.OnCarDisassociated(car)

	_, ok, err := store.Get("car-1")
	require.NoError(t, err)
	require.False(t, ok)
	recs, err := history.List("car-1")
	require.NoError(t, err)
	require.Empty(t, recs)
}
