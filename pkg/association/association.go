// Package association implements the one-time procedure that introduces
// a phone to a vehicle head unit for the first time and persists the
// resulting secure session.
package association

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/go-carlink/carlink/pkg/carlink"
	"github.com/go-carlink/carlink/pkg/carstore"
	"github.com/go-carlink/carlink/pkg/framing"
	"github.com/go-carlink/carlink/pkg/handshake"
	"github.com/go-carlink/carlink/pkg/version"
)

// pairingConfirmedMessage is the V1 pairing-code confirmation string the
// head unit sends back over the wire.
const pairingConfirmedMessage = "Pairing code confirmed"

// DefaultOOBProbeTimeout bounds how long a V4 association waits to learn
// whether an out-of-band token is available before declaring visual
// verification instead.
const DefaultOOBProbeTimeout = 2 * time.Second

type verificationMode byte

const (
	verificationModeVisual    verificationMode = 0
	verificationModeOutOfBand verificationMode = 1
)

// confirmFunc decides whether a displayed pairing code is accepted. ctx
// carries no step-timeout deadline: the pairing-code confirmation step
// is explicitly exempt from it.
type confirmFunc func(ctx context.Context, code string) (bool, error)

// Config configures an AssociationSM run. HandshakeFactory is called
// once per Run to obtain a fresh Handshake in the initiator role.
type Config struct {
	Peripheral       Peripheral
	HandshakeFactory func() handshake.Handshake
	KeyStore         carstore.KeyStore
	Delegate         Delegate

	// DeviceID is this phone's identifier, sent as the first V1 message
	// and as part of the V2+ device-id||auth-key message.
	DeviceID []byte

	// OOBProvider supplies a V4 out-of-band verification token, if any.
	// Nil disables the out-of-band path entirely (always visual).
	OOBProvider OutOfBandTokenProvider

	// CarName is the display name persisted alongside the association
	// record (typically the advertised name the orchestrator observed).
	CarName string

	// StepTimeout bounds every awaited transport step except the
	// pairing-code confirmation. Defaults to carlink.DefaultStepTimeout.
	StepTimeout time.Duration

	// OOBProbeTimeout bounds how long RequestToken is given to produce a
	// V4 out-of-band token before falling back to visual verification.
	// Defaults to DefaultOOBProbeTimeout.
	OOBProbeTimeout time.Duration
}

// AssociationSM drives one peripheral through discovery, version
// resolution, the security-version-specific handshake flow and
// persistence of the resulting AssociationRecord.
type AssociationSM struct {
	cfg Config
}

// New returns an AssociationSM ready to Run against cfg.Peripheral.
func New(cfg Config) *AssociationSM {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = carlink.DefaultStepTimeout
	}
	if cfg.OOBProbeTimeout <= 0 {
		cfg.OOBProbeTimeout = DefaultOOBProbeTimeout
	}
	return &AssociationSM{cfg: cfg}
}

func (a *AssociationSM) withStep(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.StepTimeout)
}

func (a *AssociationSM) fail(kind ErrorKind, cause error) error {
	err := &Error{Kind: kind, Cause: cause}
	if a.cfg.Delegate != nil {
		a.cfg.Delegate.DidEncounterError(err)
	}
	return err
}

func (a *AssociationSM) write(ctx context.Context, stream framing.Stream, payload []byte) error {
	return a.writeOp(ctx, stream, payload, carlink.OperationClientMessage)
}

func (a *AssociationSM) writeOp(ctx context.Context, stream framing.Stream, payload []byte, op carlink.OperationType) error {
	if err := stream.Write(ctx, payload, op, carlink.DefaultRecipientUUID); err != nil {
		if ctx.Err() != nil {
			return a.fail(TimedOut, ctx.Err())
		}
		return a.fail(Disconnected, err)
	}
	return nil
}

func (a *AssociationSM) read(ctx context.Context, stream framing.Stream) ([]byte, error) {
	select {
	case d, ok := <-stream.Deliveries():
		if !ok {
			return nil, a.fail(Disconnected, errors.New("association: stream closed"))
		}
		return d.Payload, nil
	case err := <-stream.Errors():
		return nil, a.fail(Unknown, err)
	case <-ctx.Done():
		return nil, a.fail(TimedOut, ctx.Err())
	}
}

// Run performs discovery, version resolution, the per-security-version
// handshake flow and persists the resulting AssociationRecord.
func (a *AssociationSM) Run(ctx context.Context) error {
	link := a.cfg.Peripheral.Link()

	stepCtx, cancel := a.withStep(ctx)
	err := a.cfg.Peripheral.DiscoverServices(stepCtx)
	cancel()
	if err != nil {
		return a.fail(CannotDiscoverServices, err)
	}

	stepCtx, cancel = a.withStep(ctx)
	err = a.cfg.Peripheral.DiscoverCharacteristics(stepCtx)
	cancel()
	if err != nil {
		return a.fail(CannotDiscoverCharacteristics, err)
	}

	passthrough := framing.NewPassthrough(link)
	stepCtx, cancel = a.withStep(ctx)
	resolved, err := version.ClientResolve(stepCtx, passthrough)
	cancel()
	passthrough.Close()
	if err != nil {
		var verr *version.Error
		if errors.As(err, &verr) && verr.Kind == version.VersionNotSupported {
			return a.fail(VersionNotSupported, err)
		}
		return a.fail(VersionResolutionFailed, err)
	}

	stream := framing.NewV2(link, resolved.Compression)
	defer stream.Close()

	switch resolved.SecurityVersion {
	case 1:
		return a.runV1(ctx, stream)
	case 2, 3, 4:
		return a.runV2Plus(ctx, stream, resolved.SecurityVersion)
	default:
		return a.fail(VersionNotSupported, nil)
	}
}

// runV1 implements the legacy device-id-first flow: the car's id arrives
// before the handshake begins, and pairing-code confirmation is an
// explicit string the car sends back.
func (a *AssociationSM) runV1(ctx context.Context, stream framing.Stream) error {
	stepCtx, cancel := a.withStep(ctx)
	err := a.write(stepCtx, stream, a.cfg.DeviceID)
	cancel()
	if err != nil {
		return err
	}

	stepCtx, cancel = a.withStep(ctx)
	payload, err := a.read(stepCtx, stream)
	cancel()
	if err != nil {
		return err
	}

	carID, err := uuid.FromBytes(payload)
	if err != nil {
		return a.fail(Unknown, err)
	}
	if a.cfg.Delegate != nil {
		a.cfg.Delegate.DidReceiveCarID(carID)
	}

	sessionCtx, err := a.runHandshake(ctx, stream, a.confirmV1(stream))
	if err != nil {
		return err
	}

	return a.persist(carID, sessionCtx, [32]byte{}, 1)
}

// confirmV1 waits, unbounded by the step timeout, for the car's explicit
// pairing-code confirmation string.
func (a *AssociationSM) confirmV1(stream framing.Stream) confirmFunc {
	return func(ctx context.Context, code string) (bool, error) {
		payload, err := a.read(ctx, stream)
		if err != nil {
			return false, err
		}
		return string(payload) == pairingConfirmedMessage, nil
	}
}

// runV2Plus implements the encryption-first flow shared by V2, V3 and V4
//: the phone self-confirms the pairing code (unless
// a V4 out-of-band token is available), then the car's id and the
// device-id||auth-key message are exchanged under the newly established
// session.
func (a *AssociationSM) runV2Plus(ctx context.Context, stream framing.Stream, secVersion int32) error {
	mode := verificationModeVisual
	var oobToken OutOfBandAssociationToken
	if secVersion == 4 {
		mode, oobToken = a.decideVerificationMode(ctx)
		stepCtx, cancel := a.withStep(ctx)
		err := a.write(stepCtx, stream, []byte{byte(mode)})
		cancel()
		if err != nil {
			return err
		}
	}

	sessionCtx, err := a.runHandshake(ctx, stream, a.confirmV2Plus(mode, oobToken))
	if err != nil {
		return err
	}

	crypto := handshake.NewSessionCrypto(sessionCtx)

	if secVersion >= 3 {
		if err := a.exchangeCapabilities(ctx, stream, crypto); err != nil {
			return err
		}
	}

	carID, err := a.awaitCarID(ctx, stream, crypto)
	if err != nil {
		return err
	}

	var authKey [32]byte
	if _, err := rand.Read(authKey[:]); err != nil {
		return a.fail(Unknown, err)
	}

	payload := make([]byte, 0, len(a.cfg.DeviceID)+len(authKey))
	payload = append(payload, a.cfg.DeviceID...)
	payload = append(payload, authKey[:]...)

	ciphertext, err := crypto.Encrypt(payload)
	if err != nil {
		return a.fail(CannotEstablishEncryption, err)
	}
	stepCtx, cancel := a.withStep(ctx)
	err = a.write(stepCtx, stream, ciphertext)
	cancel()
	if err != nil {
		return err
	}

	return a.persist(carID, sessionCtx, authKey, int(secVersion))
}

// decideVerificationMode probes OOBProvider with a short timeout; a
// token obtained within it selects out-of-band verification, otherwise
// the flow falls back to visual.
func (a *AssociationSM) decideVerificationMode(ctx context.Context) (verificationMode, OutOfBandAssociationToken) {
	if a.cfg.OOBProvider == nil {
		return verificationModeVisual, nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.OOBProbeTimeout)
	defer cancel()
	token, err := a.cfg.OOBProvider.RequestToken(probeCtx)
	if err != nil {
		return verificationModeVisual, nil
	}
	return verificationModeOutOfBand, token
}

// confirmV2Plus self-confirms immediately, except in V4 out-of-band mode
// where the displayed code must match the token-derived pairing code.
func (a *AssociationSM) confirmV2Plus(mode verificationMode, token OutOfBandAssociationToken) confirmFunc {
	return func(ctx context.Context, code string) (bool, error) {
		if mode != verificationModeOutOfBand {
			return true, nil
		}
		return handshake.PairingCodeFromToken(token) == code, nil
	}
}

// runHandshake drives hs to completion, invoking confirm whenever the
// pairing code needs acceptance. It returns the established
// SessionContext once the handshake reports done.
func (a *AssociationSM) runHandshake(ctx context.Context, stream framing.Stream, confirm confirmFunc) (handshake.SessionContext, error) {
	hs := a.cfg.HandshakeFactory()

	stepCtx, cancel := a.withStep(ctx)
	out, err := hs.Start(stepCtx)
	cancel()
	if err != nil {
		return nil, a.fail(CannotEstablishEncryption, err)
	}
	if len(out) > 0 {
		stepCtx, cancel = a.withStep(ctx)
		err = a.writeOp(stepCtx, stream, out, carlink.OperationEncryptionHandshake)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	for {
		stepCtx, cancel = a.withStep(ctx)
		payload, err := a.read(stepCtx, stream)
		cancel()
		if err != nil {
			return nil, err
		}

		stepCtx, cancel = a.withStep(ctx)
		out, requiresVerification, done, err := hs.HandleMessage(stepCtx, payload)
		cancel()
		if err != nil {
			return nil, a.fail(CannotEstablishEncryption, err)
		}

		if len(out) > 0 {
			stepCtx, cancel = a.withStep(ctx)
			err = a.writeOp(stepCtx, stream, out, carlink.OperationEncryptionHandshake)
			cancel()
			if err != nil {
				return nil, err
			}
		}

		if requiresVerification {
			code, err := hs.PairingCode()
			if err != nil {
				return nil, a.fail(CannotEstablishEncryption, err)
			}
			if a.cfg.Delegate != nil {
				a.cfg.Delegate.RequiresDisplayOf(code)
			}

			accept, err := confirm(ctx, code)
			if err != nil {
				return nil, err
			}
			if !accept {
				return nil, a.fail(PairingCodeRejected, nil)
			}

			stepCtx, cancel = a.withStep(ctx)
			out2, done2, err := hs.ConfirmVerification(stepCtx)
			cancel()
			if err != nil {
				return nil, a.fail(CannotEstablishEncryption, err)
			}
			if len(out2) > 0 {
				stepCtx, cancel = a.withStep(ctx)
				err = a.writeOp(stepCtx, stream, out2, carlink.OperationEncryptionHandshake)
				cancel()
				if err != nil {
					return nil, err
				}
			}
			if done2 {
				return a.sessionContext(hs)
			}
			continue
		}

		if done {
			return a.sessionContext(hs)
		}
	}
}

func (a *AssociationSM) sessionContext(hs handshake.Handshake) (handshake.SessionContext, error) {
	sc, err := hs.SessionContext()
	if err != nil {
		return nil, a.fail(CannotEstablishEncryption, err)
	}
	return sc, nil
}

// exchangeCapabilities performs the empty V3+ capabilities round trip,
// deprecated but required for interoperability.
func (a *AssociationSM) exchangeCapabilities(ctx context.Context, stream framing.Stream, crypto *handshake.SessionCrypto) error {
	ciphertext, err := crypto.Encrypt(nil)
	if err != nil {
		return a.fail(CannotEstablishEncryption, err)
	}
	stepCtx, cancel := a.withStep(ctx)
	err = a.write(stepCtx, stream, ciphertext)
	cancel()
	if err != nil {
		return err
	}

	stepCtx, cancel = a.withStep(ctx)
	payload, err := a.read(stepCtx, stream)
	cancel()
	if err != nil {
		return err
	}
	if _, err := crypto.Decrypt(payload); err != nil {
		return a.fail(CannotEstablishEncryption, err)
	}
	return nil
}

func (a *AssociationSM) awaitCarID(ctx context.Context, stream framing.Stream, crypto *handshake.SessionCrypto) (uuid.UUID, error) {
	stepCtx, cancel := a.withStep(ctx)
	payload, err := a.read(stepCtx, stream)
	cancel()
	if err != nil {
		return uuid.UUID{}, err
	}

	plaintext, err := crypto.Decrypt(payload)
	if err != nil {
		return uuid.UUID{}, a.fail(CannotEstablishEncryption, err)
	}

	carID, err := uuid.FromBytes(plaintext)
	if err != nil {
		return uuid.UUID{}, a.fail(Unknown, err)
	}
	if a.cfg.Delegate != nil {
		a.cfg.Delegate.DidReceiveCarID(carID)
	}
	return carID, nil
}

func (a *AssociationSM) persist(carID uuid.UUID, sessionCtx handshake.SessionContext, authKey [32]byte, secVersion int) error {
	blob, err := sessionCtx.Save()
	if err != nil {
		return a.fail(CannotStoreAssociation, err)
	}

	rec := carstore.AssociationRecord{
		CarID:           carID.String(),
		Name:            a.cfg.CarName,
		SessionBlob:     blob,
		AuthKey:         authKey,
		SecurityVersion: secVersion,
	}
	if err := a.cfg.KeyStore.Put(rec); err != nil {
		return a.fail(CannotStoreAssociation, err)
	}
	if a.cfg.Delegate != nil {
		a.cfg.Delegate.DidCompleteAssociation(rec)
	}
	return nil
}
