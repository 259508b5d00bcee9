// Package orchestrator implements the ConnectionOrchestrator: scan-mode
// arbitration between association and reconnection, advertisement
// classification, connection dedup, and lifecycle/error routing across
// the association and reconnection state machines.
package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/pion/logging"

	"github.com/go-carlink/carlink/pkg/association"
	"github.com/go-carlink/carlink/pkg/carstore"
	"github.com/go-carlink/carlink/pkg/featurehost"
	"github.com/go-carlink/carlink/pkg/reconnection"
	"github.com/go-carlink/carlink/pkg/transport"
)

// ScanMode is the BLE scan the orchestrator is currently running. Scans
// are mutually exclusive; the mode last requested wins.
type ScanMode int

const (
	ScanModeNone ScanMode = iota
	ScanModeAssociation
	ScanModeReconnection
)

// Peripheral is the connected-but-undiscovered BLE handle the
// orchestrator drives through association or reconnection. It is the
// structural union of association.Peripheral and reconnection.Peripheral
// plus an identity and a way to force a disconnect for dedup.
type Peripheral interface {
	ID() string
	DiscoverServices(ctx context.Context) error
	DiscoverCharacteristics(ctx context.Context) error
	Link() transport.Link
	Disconnect() error
}

// Advertisement is the classified content of one BLE advertisement.
type Advertisement struct {
	// NameBlob is the optional advertised-name service data, present only
	// while scanning to associate.
	NameBlob []byte
	// ReconnectionBlob is the 11-byte truncatedHMAC||salt advertised
	// service data used by V2+ reconnection matching. Empty for V1
	// legacy per-device-UUID advertisements.
	ReconnectionBlob []byte
}

// Delegate receives the callbacks the orchestrator raises.
type Delegate interface {
	// DidDiscoverForAssociation fires for each advertisement seen while
	// scanning to associate.
	DidDiscoverForAssociation(peripheral Peripheral, advertisedName string)
	// DidConnect fires once RunReconnection has resumed a secured session
	// for car. RunAssociation does not raise it.
	DidConnect(car featurehost.Car, rec carstore.AssociationRecord)
	// DidFailAssociation fires on a terminal association failure.
	DidFailAssociation(peripheral Peripheral, err error)
	// DidFailReconnection fires on a terminal reconnection failure. carID
	// is empty if the car could not be identified from the
	// advertisement at all.
	DidFailReconnection(peripheral Peripheral, carID string, err error)
	// DidDisconnect fires when a previously connected car's peripheral
	// disconnects.
	DidDisconnect(carID string)
}

// Config configures an Orchestrator.
type Config struct {
	KeyStore      carstore.KeyStore
	NamePrefix    string
	Delegate      Delegate
	LoggerFactory logging.LoggerFactory
}

// Orchestrator arbitrates BLE scan mode and routes each discovered
// peripheral through association or reconnection.
type Orchestrator struct {
	cfg Config
	log logging.LeveledLogger

	mu               sync.Mutex
	mode             ScanMode
	connectedSecured map[string]string // peripheralID -> carID, only while a secured channel exists
}

// New returns an Orchestrator in ScanModeNone.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		cfg:              cfg,
		connectedSecured: make(map[string]string),
	}
	if cfg.LoggerFactory != nil {
		o.log = cfg.LoggerFactory.NewLogger("orchestrator")
	}
	return o
}

// RequestScan sets the active scan mode. Scans for association and
// reconnection are mutually exclusive; the most recently requested mode
// wins.
func (o *Orchestrator) RequestScan(mode ScanMode) {
	o.mu.Lock()
	o.mode = mode
	o.mu.Unlock()
}

// Mode reports the currently requested scan mode.
func (o *Orchestrator) Mode() ScanMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// DecodeAdvertisedName decodes a service-data name blob: an exact 8-byte blob is a UTF-8 short name used as-is; any other
// length is hex-encoded and prefixed with namePrefix.
func DecodeAdvertisedName(blob []byte, namePrefix string) string {
	if len(blob) == 8 {
		return string(blob)
	}
	return namePrefix + strings.ToUpper(hex.EncodeToString(blob))
}

// ClassifyReconnection resolves adv's reconnection blob (if any) against
// the key store, returning the matched car id. ok is false for a V1
// legacy advertisement (no blob) or one that matches no associated car.
func (o *Orchestrator) ClassifyReconnection(adv Advertisement) (carID string, ok bool, err error) {
	if len(adv.ReconnectionBlob) != reconnection.AdvertisedBlobSize {
		return "", false, nil
	}
	rec, matched, err := reconnection.Match(o.cfg.KeyStore, adv.ReconnectionBlob)
	if err != nil {
		return "", false, err
	}
	if !matched {
		return "", false, nil
	}
	return rec.CarID, true, nil
}

// OnAssociationAdvertisement dispatches one advertisement seen while in
// ScanModeAssociation.
func (o *Orchestrator) OnAssociationAdvertisement(peripheral Peripheral, adv Advertisement) {
	name := DecodeAdvertisedName(adv.NameBlob, o.cfg.NamePrefix)
	o.cfg.Delegate.DidDiscoverForAssociation(peripheral, name)
}

// shouldDedup reports whether peripheral already has a secured session
// and should be disconnected instead of allowed a second in-flight
// connection attempt.
func (o *Orchestrator) shouldDedup(peripheral Peripheral) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, exists := o.connectedSecured[peripheral.ID()]
	return exists
}

// OnReconnectionAdvertisement dispatches one advertisement seen while in
// ScanModeReconnection: it resolves the advertised car (if any), dedups
// against an already-secured peripheral, and otherwise lets the caller
// proceed with Reconnect.
func (o *Orchestrator) OnReconnectionAdvertisement(ctx context.Context, peripheral Peripheral, adv Advertisement) (carID string, proceed bool, err error) {
	carID, matched, err := o.ClassifyReconnection(adv)
	if err != nil {
		return "", false, err
	}
	_ = matched // V1 legacy advertisements carry no blob; carID stays "" and proceed anyway.

	if o.shouldDedup(peripheral) {
		if o.log != nil {
			o.log.Warnf("orchestrator disconnecting duplicate secured peripheral %s", peripheral.ID())
		}
		_ = peripheral.Disconnect()
		return carID, false, nil
	}
	return carID, true, nil
}

// MarkSecured records that peripheral now has a secured session for
// carID, enabling dedup for subsequent advertisements from it.
func (o *Orchestrator) MarkSecured(peripheral Peripheral, carID string) {
	o.mu.Lock()
	o.connectedSecured[peripheral.ID()] = carID
	o.mu.Unlock()
}

// OnPeripheralDisconnected notifies the delegate and resumes reconnection
// scanning if any car remains associated.
func (o *Orchestrator) OnPeripheralDisconnected(peripheral Peripheral) {
	o.mu.Lock()
	carID, tracked := o.connectedSecured[peripheral.ID()]
	delete(o.connectedSecured, peripheral.ID())
	o.mu.Unlock()
	if !tracked {
		return
	}
	o.cfg.Delegate.DidDisconnect(carID)

	ids, err := o.cfg.KeyStore.ListIDs()
	if err == nil && len(ids) > 0 {
		o.RequestScan(ScanModeReconnection)
	}
}

// RunAssociation drives peripheral through one association attempt. A
// failure is routed to Delegate.DidFailAssociation; any error not already
// carrying an association error kind is classified Unknown. Success
// raises no orchestrator callback; it is reported only through
// cfg.Delegate.DidCompleteAssociation.
func (o *Orchestrator) RunAssociation(ctx context.Context, peripheral Peripheral, cfg association.Config) {
	cfg.Peripheral = peripheral
	sm := association.New(cfg)
	if err := sm.Run(ctx); err != nil {
		var assocErr *association.Error
		if !errors.As(err, &assocErr) {
			err = &association.Error{Kind: association.Unknown, Cause: err}
		}
		o.cfg.Delegate.DidFailAssociation(peripheral, err)
	}
}

// RunReconnection drives peripheral through one reconnection attempt for
// carID (empty for V1) and routes the result to Delegate.
func (o *Orchestrator) RunReconnection(ctx context.Context, peripheral Peripheral, carID string, cfg reconnection.Config) (*reconnection.Session, error) {
	cfg.Peripheral = peripheral
	cfg.CarID = carID
	sm := reconnection.New(cfg)
	session, err := sm.Run(ctx)
	if err != nil {
		var reconErr *reconnection.Error
		if !errors.As(err, &reconErr) {
			err = &reconnection.Error{Kind: reconnection.Unknown, Cause: err}
		}
		o.cfg.Delegate.DidFailReconnection(peripheral, carID, err)
		return nil, err
	}
	o.MarkSecured(peripheral, session.Record.CarID)
	o.cfg.Delegate.DidConnect(featurehost.Car{CarID: session.Record.CarID, Name: session.Record.Name}, session.Record)
	return session, nil
}
