// Package trusteddevice implements the enrollment and unlock sub-protocol
// that lets an associated phone unlock a vehicle without a fresh
// human-confirmed pairing.
package trusteddevice

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/go-carlink/carlink/pkg/carlink"
	"github.com/go-carlink/carlink/pkg/carstore"
	"github.com/go-carlink/carlink/pkg/featurehost"
	"github.com/go-carlink/carlink/pkg/wire"
)

// EscrowTokenSize is the length in bytes of a locally generated escrow
// token.
const EscrowTokenSize = 32

// Delegate receives enrollment/unlock lifecycle notifications.
type Delegate interface {
	DidCompleteEnrolling(car featurehost.Car)
	DidFinishUnlocking(car featurehost.Car)
	DidUnenroll(car featurehost.Car, initiatedFromCar bool)
	DidEncounterError(car featurehost.Car, err error)
}

// MessageSender is the subset of securedchannel.Channel the feature needs
// to write plain client messages.
type MessageSender interface {
	WriteEncrypted(ctx context.Context, payload []byte, operationType carlink.OperationType, recipient carlink.RecipientUUID) error
}

// Config configures a TrustedDeviceFeature.
type Config struct {
	Store          carstore.TrustedDeviceStore
	History        carstore.HistoryStore
	HistoryEnabled bool
	Environment    Environment
	Delegate       Delegate
	Sender         MessageSender
	LoggerFactory  logging.LoggerFactory
	// Rand supplies escrow-token randomness. Defaults to crypto/rand.Reader.
	Rand io.Reader
}

// TrustedDeviceFeature implements featurehost.Feature for the
// trusted-device recipient UUID.
type TrustedDeviceFeature struct {
	featurehost.UnimplementedFeature

	cfg Config
	log logging.LeveledLogger

	mu               sync.Mutex
	pendingEscrow    map[string][]byte // carID -> escrow token awaiting Handle
	awaitingUnlock   map[string]bool   // carID -> unlock credentials sent, awaiting Ack
	pendingStateSync map[string]bool   // carID -> StateSync(false) queued
}

// New returns a TrustedDeviceFeature. cfg.Rand defaults to
// crypto/rand.Reader if nil.
func New(cfg Config) *TrustedDeviceFeature {
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	f := &TrustedDeviceFeature{
		cfg:              cfg,
		pendingEscrow:    make(map[string][]byte),
		awaitingUnlock:   make(map[string]bool),
		pendingStateSync: make(map[string]bool),
	}
	if cfg.LoggerFactory != nil {
		f.log = cfg.LoggerFactory.NewLogger("trusteddevice")
	}
	return f
}

func (f *TrustedDeviceFeature) RecipientUUID() carlink.RecipientUUID {
	return carlink.TrustedDeviceRecipientUUID
}

// Enroll begins enrollment for car. It returns *Error{Kind:
// PasscodeNotSet} synchronously if the device isn't secured; completion
// is reported asynchronously to Delegate.
func (f *TrustedDeviceFeature) Enroll(car featurehost.Car) error {
	return f.beginEnrollment(car)
}

// Unenroll clears car's locally enrolled credentials and queues a
// StateSync(enabled=false) to be sent on the next secure channel.
func (f *TrustedDeviceFeature) Unenroll(car featurehost.Car) error {
	if err := f.clearLocalState(car.CarID); err != nil {
		return err
	}
	f.mu.Lock()
	f.pendingStateSync[car.CarID] = true
	f.mu.Unlock()
	return nil
}

// OnSecureChannelEstablished drives the unlock flow and flushes any
// queued state-sync message for car.
func (f *TrustedDeviceFeature) OnSecureChannelEstablished(car featurehost.Car) {
	f.trySendPendingStateSync(car)
	f.tryUnlock(car)
}

// OnCarDisassociated clears escrow token, handle, unlock history and any
// pending sync for car.
func (f *TrustedDeviceFeature) OnCarDisassociated(car featurehost.Car) {
	_ = f.clearLocalState(car.CarID)
	f.mu.Lock()
	delete(f.pendingStateSync, car.CarID)
	delete(f.pendingEscrow, car.CarID)
	delete(f.awaitingUnlock, car.CarID)
	f.mu.Unlock()
}

func (f *TrustedDeviceFeature) OnMessageReceived(payload []byte, car featurehost.Car) {
	msg, err := wire.UnmarshalTrustedDeviceMessage(payload)
	if err != nil {
		if f.log != nil {
			f.log.Warnf("trusted-device feature dropped malformed message from car %s: %v", car.CarID, err)
		}
		return
	}

	switch msg.Type {
	case wire.TrustedDeviceStartEnrollment:
		_ = f.beginEnrollment(car)
	case wire.TrustedDeviceHandle:
		f.handleHandle(car, msg.Payload)
	case wire.TrustedDeviceAck:
		f.handleAck(car)
	case wire.TrustedDeviceStateSync:
		f.handleStateSync(car, msg.Payload)
	case wire.TrustedDeviceErrorMessage:
		if f.log != nil {
			f.log.Warnf("car %s reported trusted-device error %v", car.CarID, msg.Payload)
		}
	default:
		if f.log != nil {
			f.log.Warnf("trusted-device feature ignored unknown message type %d from car %s", msg.Type, car.CarID)
		}
	}
}

func (f *TrustedDeviceFeature) beginEnrollment(car featurehost.Car) error {
	if f.cfg.Environment.PasscodeRequired() && !f.cfg.Environment.PasscodeSet() {
		f.send(car, wire.TrustedDeviceMessage{
			Type:    wire.TrustedDeviceErrorMessage,
			Payload: []byte{byte(wire.TrustedDeviceErrorDeviceNotSecured)},
		})
		err := &Error{Kind: PasscodeNotSet}
		f.cfg.Delegate.DidEncounterError(car, err)
		return err
	}

	token := make([]byte, EscrowTokenSize)
	if _, err := io.ReadFull(f.cfg.Rand, token); err != nil {
		wrapped := &Error{Kind: Unknown, Cause: err}
		f.cfg.Delegate.DidEncounterError(car, wrapped)
		return wrapped
	}

	f.mu.Lock()
	f.pendingEscrow[car.CarID] = token
	f.mu.Unlock()

	f.send(car, wire.TrustedDeviceMessage{Type: wire.TrustedDeviceEscrowToken, Payload: token})
	return nil
}

func (f *TrustedDeviceFeature) handleHandle(car featurehost.Car, handle []byte) {
	f.mu.Lock()
	token, ok := f.pendingEscrow[car.CarID]
	delete(f.pendingEscrow, car.CarID)
	f.mu.Unlock()
	if !ok {
		if f.log != nil {
			f.log.Warnf("trusted-device feature received Handle for car %s with no pending enrollment", car.CarID)
		}
		return
	}

	rec := carstore.TrustedDeviceRecord{CarID: car.CarID, EscrowToken: token, Handle: handle}
	if err := f.cfg.Store.Put(rec); err != nil {
		f.send(car, wire.TrustedDeviceMessage{
			Type:    wire.TrustedDeviceErrorMessage,
			Payload: []byte{byte(wire.TrustedDeviceErrorCannotStoreHandle)},
		})
		f.cfg.Delegate.DidEncounterError(car, &Error{Kind: CannotStoreHandle, Cause: err})
		return
	}

	f.send(car, wire.TrustedDeviceMessage{Type: wire.TrustedDeviceAck})
	f.cfg.Delegate.DidCompleteEnrolling(car)
}

func (f *TrustedDeviceFeature) tryUnlock(car featurehost.Car) {
	rec, ok, err := f.cfg.Store.Get(car.CarID)
	if err != nil || !ok {
		return
	}

	if f.cfg.Environment.PasscodeRequired() && !f.cfg.Environment.PasscodeSet() {
		f.send(car, wire.TrustedDeviceMessage{
			Type:    wire.TrustedDeviceErrorMessage,
			Payload: []byte{byte(wire.TrustedDeviceErrorDeviceNotSecured)},
		})
		f.cfg.Delegate.DidEncounterError(car, &Error{Kind: PasscodeNotSet})
		return
	}

	if f.cfg.Environment.DeviceUnlockRequired(car.CarID) && f.cfg.Environment.DeviceLocked() {
		f.send(car, wire.TrustedDeviceMessage{
			Type:    wire.TrustedDeviceErrorMessage,
			Payload: []byte{byte(wire.TrustedDeviceErrorDeviceLocked)},
		})
		f.cfg.Delegate.DidEncounterError(car, &Error{Kind: DeviceLocked})
		return
	}

	f.mu.Lock()
	f.awaitingUnlock[car.CarID] = true
	f.mu.Unlock()

	payload := wire.EncodeUnlockCredentials(rec.EscrowToken, rec.Handle)
	f.send(car, wire.TrustedDeviceMessage{Type: wire.TrustedDeviceUnlockCredentials, Payload: payload})
}

func (f *TrustedDeviceFeature) handleAck(car featurehost.Car) {
	f.mu.Lock()
	awaiting := f.awaitingUnlock[car.CarID]
	delete(f.awaitingUnlock, car.CarID)
	f.mu.Unlock()
	if !awaiting {
		return
	}

	if f.historyEnabled() && f.cfg.History != nil {
		if err := f.cfg.History.Append(carstore.UnlockRecord{CarID: car.CarID, Timestamp: time.Now()}); err != nil && f.log != nil {
			f.log.Warnf("trusted-device feature failed to append unlock history for car %s: %v", car.CarID, err)
		}
	}
	f.cfg.Delegate.DidFinishUnlocking(car)
}

func (f *TrustedDeviceFeature) handleStateSync(car featurehost.Car, payload []byte) {
	enabled := len(payload) > 0 && payload[0] != 0
	if enabled {
		// StateSync(enabled=true) from an unenrolled car is ignored.
		return
	}

	_, ok, err := f.cfg.Store.Get(car.CarID)
	if err != nil || !ok {
		return
	}
	if err := f.clearLocalState(car.CarID); err != nil {
		f.cfg.Delegate.DidEncounterError(car, &Error{Kind: Unknown, Cause: err})
		return
	}
	f.mu.Lock()
	delete(f.pendingStateSync, car.CarID)
	f.mu.Unlock()
	f.cfg.Delegate.DidUnenroll(car, true)
}

func (f *TrustedDeviceFeature) trySendPendingStateSync(car featurehost.Car) {
	f.mu.Lock()
	pending := f.pendingStateSync[car.CarID]
	f.mu.Unlock()
	if !pending {
		return
	}

	err := f.sendErr(car, wire.TrustedDeviceMessage{Type: wire.TrustedDeviceStateSync, Payload: []byte{0}})
	if err == nil {
		f.mu.Lock()
		delete(f.pendingStateSync, car.CarID)
		f.mu.Unlock()
	}
}

// clearLocalState removes car's enrolled credential and unlock history.
// History is cleared unconditionally on dissociation/unenrollment,
// regardless of cfg.HistoryEnabled: a car that loses its trusted-device
// enrollment should not keep stale history around for whenever history
// gets re-enabled.
func (f *TrustedDeviceFeature) clearLocalState(carID string) error {
	if err := f.cfg.Store.Delete(carID); err != nil {
		return err
	}
	if f.cfg.History != nil {
		if err := f.cfg.History.Clear(carID); err != nil {
			return err
		}
	}
	return nil
}

func (f *TrustedDeviceFeature) historyEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.HistoryEnabled
}

// SetHistoryEnabled toggles whether future unlocks are appended to
// history. Transitioning from enabled to disabled also clears every
// currently enrolled car's history immediately, rather than leaving
// stale records to linger until each car happens to dissociate.
func (f *TrustedDeviceFeature) SetHistoryEnabled(enabled bool) error {
	f.mu.Lock()
	wasEnabled := f.cfg.HistoryEnabled
	f.cfg.HistoryEnabled = enabled
	f.mu.Unlock()

	if wasEnabled && !enabled && f.cfg.History != nil && f.cfg.Store != nil {
		ids, err := f.cfg.Store.ListIDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := f.cfg.History.Clear(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *TrustedDeviceFeature) send(car featurehost.Car, msg wire.TrustedDeviceMessage) {
	if err := f.sendErr(car, msg); err != nil && f.log != nil {
		f.log.Warnf("trusted-device feature failed to write message to car %s: %v", car.CarID, err)
	}
}

func (f *TrustedDeviceFeature) sendErr(car featurehost.Car, msg wire.TrustedDeviceMessage) error {
	return f.cfg.Sender.WriteEncrypted(context.Background(), msg.Marshal(), carlink.OperationClientMessage, carlink.TrustedDeviceRecipientUUID)
}

var _ featurehost.Feature = (*TrustedDeviceFeature)(nil)
