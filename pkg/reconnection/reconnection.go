// Package reconnection implements the HMAC-challenge reconnection
// procedure used on every subsequent connection to an already-associated
// vehicle, resuming the session established by pkg/association.
package reconnection

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/go-carlink/carlink/pkg/carlink"
	"github.com/go-carlink/carlink/pkg/carstore"
	"github.com/go-carlink/carlink/pkg/crypto"
	"github.com/go-carlink/carlink/pkg/framing"
	"github.com/go-carlink/carlink/pkg/handshake"
	"github.com/go-carlink/carlink/pkg/version"
)

// challengeSize is the length of the random V2+ HMAC challenge.
const challengeSize = 16

// Config configures a ReconnectionSM run.
type Config struct {
	Peripheral Peripheral
	KeyStore   carstore.KeyStore
	Loader     handshake.Loader
	Delegate   Delegate

	// DeviceID is this phone's identifier, sent as the V1 legacy
	// handshake's first message. Unused on V2+.
	DeviceID []byte

	// CarID is the id of the car already matched against this
	// peripheral's advertisement (via Match), for V2+ reconnection. Leave
	// empty for V1 legacy reconnection, where the car id is only learned
	// once the device-id exchange completes.
	CarID string

	// StepTimeout bounds every awaited transport step. Defaults to
	// carlink.DefaultStepTimeout.
	StepTimeout time.Duration
}

// Session is the outcome of a successful ReconnectionSM run: the resumed
// record, its live encryption and the framed stream it now owns, ready to
// be handed to a SecuredChannel.
type Session struct {
	Record carstore.AssociationRecord
	Crypto *handshake.SessionCrypto
	Stream framing.Stream
}

// ReconnectionSM drives one peripheral through discovery, version
// resolution and the security-version-specific reconnection handshake,
// resuming the saved AssociationRecord on success.
type ReconnectionSM struct {
	cfg Config
}

// New returns a ReconnectionSM ready to Run against cfg.Peripheral.
func New(cfg Config) *ReconnectionSM {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = carlink.DefaultStepTimeout
	}
	return &ReconnectionSM{cfg: cfg}
}

func (r *ReconnectionSM) withStep(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.StepTimeout)
}

func (r *ReconnectionSM) fail(kind ErrorKind, cause error) error {
	err := &Error{Kind: kind, Cause: cause}
	if r.cfg.Delegate != nil {
		r.cfg.Delegate.DidEncounterError(err)
	}
	return err
}

func (r *ReconnectionSM) write(ctx context.Context, stream framing.Stream, payload []byte) error {
	if err := stream.Write(ctx, payload, carlink.OperationClientMessage, carlink.DefaultRecipientUUID); err != nil {
		if ctx.Err() != nil {
			return r.fail(TimedOut, ctx.Err())
		}
		return r.fail(Disconnected, err)
	}
	return nil
}

func (r *ReconnectionSM) read(ctx context.Context, stream framing.Stream) ([]byte, error) {
	select {
	case d, ok := <-stream.Deliveries():
		if !ok {
			return nil, r.fail(Disconnected, errors.New("reconnection: stream closed"))
		}
		return d.Payload, nil
	case err := <-stream.Errors():
		return nil, r.fail(Unknown, err)
	case <-ctx.Done():
		return nil, r.fail(TimedOut, ctx.Err())
	}
}

// Run performs discovery, version resolution and the per-security-version
// reconnection handshake, returning a Session ready for SecuredChannel.
func (r *ReconnectionSM) Run(ctx context.Context) (*Session, error) {
	link := r.cfg.Peripheral.Link()

	stepCtx, cancel := r.withStep(ctx)
	err := r.cfg.Peripheral.DiscoverServices(stepCtx)
	cancel()
	if err != nil {
		return nil, r.fail(ServiceNotFound, err)
	}

	stepCtx, cancel = r.withStep(ctx)
	err = r.cfg.Peripheral.DiscoverCharacteristics(stepCtx)
	cancel()
	if err != nil {
		return nil, r.fail(ServiceNotFound, err)
	}

	passthrough := framing.NewPassthrough(link)
	stepCtx, cancel = r.withStep(ctx)
	resolved, err := version.ClientResolve(stepCtx, passthrough)
	cancel()
	passthrough.Close()
	if err != nil {
		var verr *version.Error
		if errors.As(err, &verr) && verr.Kind == version.VersionNotSupported {
			return nil, r.fail(VersionNotSupported, err)
		}
		return nil, r.fail(Unknown, err)
	}

	stream := framing.NewV2(link, resolved.Compression)

	var session *Session
	switch resolved.SecurityVersion {
	case 1:
		session, err = r.runV1(ctx, stream)
	case 2, 3, 4:
		session, err = r.runV2Plus(ctx, stream, resolved.SecurityVersion)
	default:
		err = r.fail(VersionNotSupported, nil)
	}
	if err != nil {
		stream.Close()
		return nil, err
	}
	return session, nil
}

// runV1 implements the legacy per-device-UUID reconnection: the phone
// sends its device-id, the car replies with its car-id, and the phone
// resumes the session saved under that car.
func (r *ReconnectionSM) runV1(ctx context.Context, stream framing.Stream) (*Session, error) {
	stepCtx, cancel := r.withStep(ctx)
	err := r.write(stepCtx, stream, r.cfg.DeviceID)
	cancel()
	if err != nil {
		return nil, err
	}

	stepCtx, cancel = r.withStep(ctx)
	payload, err := r.read(stepCtx, stream)
	cancel()
	if err != nil {
		return nil, err
	}

	carID, err := uuid.FromBytes(payload)
	if err != nil {
		return nil, r.fail(Unknown, err)
	}

	return r.resumeSession(carID.String(), stream)
}

// runV2Plus implements the HMAC-challenge reconnection shared by V2, V3
// and V4: the phone challenges the car to prove it
// holds the saved auth_key before resuming the session.
func (r *ReconnectionSM) runV2Plus(ctx context.Context, stream framing.Stream, secVersion int32) (*Session, error) {
	if r.cfg.CarID == "" {
		return nil, r.fail(NotAssociated, errors.New("reconnection: no car matched for this advertisement"))
	}

	rec, ok, err := r.cfg.KeyStore.Get(r.cfg.CarID)
	if err != nil {
		return nil, r.fail(Unknown, err)
	}
	if !ok {
		return nil, r.fail(NotAssociated, nil)
	}

	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, r.fail(Unknown, err)
	}

	stepCtx, cancel := r.withStep(ctx)
	err = r.write(stepCtx, stream, challenge)
	cancel()
	if err != nil {
		return nil, err
	}

	stepCtx, cancel = r.withStep(ctx)
	response, err := r.read(stepCtx, stream)
	cancel()
	if err != nil {
		return nil, err
	}

	expected := crypto.HMACSHA256Slice(rec.AuthKey[:], challenge)
	if !crypto.HMACEqual(response, expected) {
		return nil, r.fail(HandshakeMismatch, nil)
	}

	sessionCrypto, err := handshake.LoadSessionCrypto(r.cfg.Loader, rec.SessionBlob)
	if err != nil {
		return nil, r.fail(NoSavedEncryption, err)
	}

	if secVersion == 4 {
		if err := r.exchangeConfiguration(ctx, stream, sessionCrypto); err != nil {
			return nil, err
		}
	}

	return &Session{Record: rec, Crypto: sessionCrypto, Stream: stream}, nil
}

// exchangeConfiguration performs the V4 post-authentication channel
// configuration round trip.
func (r *ReconnectionSM) exchangeConfiguration(ctx context.Context, stream framing.Stream, sessionCrypto *handshake.SessionCrypto) error {
	ciphertext, err := sessionCrypto.Encrypt(nil)
	if err != nil {
		return r.fail(FailedEncryptionEstablishment, err)
	}
	stepCtx, cancel := r.withStep(ctx)
	err = r.write(stepCtx, stream, ciphertext)
	cancel()
	if err != nil {
		return err
	}

	stepCtx, cancel = r.withStep(ctx)
	payload, err := r.read(stepCtx, stream)
	cancel()
	if err != nil {
		return err
	}
	if _, err := sessionCrypto.Decrypt(payload); err != nil {
		return r.fail(FailedEncryptionEstablishment, err)
	}
	return nil
}

func (r *ReconnectionSM) resumeSession(carID string, stream framing.Stream) (*Session, error) {
	rec, ok, err := r.cfg.KeyStore.Get(carID)
	if err != nil {
		return nil, r.fail(Unknown, err)
	}
	if !ok {
		return nil, r.fail(NotAssociated, nil)
	}

	sessionCrypto, err := handshake.LoadSessionCrypto(r.cfg.Loader, rec.SessionBlob)
	if err != nil {
		return nil, r.fail(NoSavedEncryption, err)
	}

	return &Session{Record: rec, Crypto: sessionCrypto, Stream: stream}, nil
}
