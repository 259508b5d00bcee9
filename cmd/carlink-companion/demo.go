package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/go-carlink/carlink/internal/config"
	"github.com/go-carlink/carlink/pkg/association"
	"github.com/go-carlink/carlink/pkg/carstore"
	"github.com/go-carlink/carlink/pkg/featurehost"
	"github.com/go-carlink/carlink/pkg/framing"
	"github.com/go-carlink/carlink/pkg/handshake"
	"github.com/go-carlink/carlink/pkg/orchestrator"
	"github.com/go-carlink/carlink/pkg/reconnection"
	"github.com/go-carlink/carlink/pkg/securedchannel"
	"github.com/go-carlink/carlink/pkg/transport"
	"github.com/go-carlink/carlink/pkg/trusteddevice"
)

// demoDelegate logs every ConnectionOrchestrator callback. It is the
// demo's only consumer of orchestrator.Delegate; a real client would
// drive UI state from these instead.
type demoDelegate struct {
	log logging.LeveledLogger
}

func (d *demoDelegate) DidDiscoverForAssociation(p orchestrator.Peripheral, name string) {
	d.log.Infof("discovered %s for association as %q", p.ID(), name)
}
func (d *demoDelegate) DidConnect(car featurehost.Car, rec carstore.AssociationRecord) {
	d.log.Infof("connected to %s (security version %d)", car.CarID, rec.SecurityVersion)
}
func (d *demoDelegate) DidFailAssociation(p orchestrator.Peripheral, err error) {
	d.log.Errorf("association with %s failed: %v", p.ID(), err)
}
func (d *demoDelegate) DidFailReconnection(p orchestrator.Peripheral, carID string, err error) {
	d.log.Errorf("reconnection with %s (car %s) failed: %v", p.ID(), carID, err)
}
func (d *demoDelegate) DidDisconnect(carID string) {
	d.log.Infof("car %s disconnected", carID)
}

var _ orchestrator.Delegate = (*demoDelegate)(nil)

// trustedDeviceDelegate logs enrollment/unlock lifecycle events and
// signals completion over a channel so the demo can wait for the
// asynchronous handshake to finish.
type trustedDeviceDelegate struct {
	log  logging.LeveledLogger
	done chan struct{}
}

func (d *trustedDeviceDelegate) DidCompleteEnrolling(car featurehost.Car) {
	d.log.Infof("trusted device enrolled for car %s", car.CarID)
}
func (d *trustedDeviceDelegate) DidFinishUnlocking(car featurehost.Car) {
	d.log.Infof("car %s unlocked via trusted device", car.CarID)
	close(d.done)
}
func (d *trustedDeviceDelegate) DidUnenroll(car featurehost.Car, initiatedFromCar bool) {
	d.log.Infof("trusted device unenrolled for car %s (fromCar=%v)", car.CarID, initiatedFromCar)
}
func (d *trustedDeviceDelegate) DidEncounterError(car featurehost.Car, err error) {
	d.log.Warnf("trusted-device error for car %s: %v", car.CarID, err)
}

var _ trusteddevice.Delegate = (*trustedDeviceDelegate)(nil)

// runDemo associates a simulated head unit, reconnects to it, then
// enrolls and exercises the trusted-device unlock feature end to end —
// a smoke harness, not a BLE driver.
func runDemo(cfg *config.Config) error {
	loggerFactory := cfg.LoggerFactory()
	log := loggerFactory.NewLogger("demo")

	keyStore := carstore.NewMemoryKeyStore()
	historyStore := carstore.NewMemoryHistoryStore()
	trustedStore := carstore.NewMemoryTrustedDeviceStore()

	delegate := &demoDelegate{log: log}
	orch := orchestrator.New(orchestrator.Config{
		KeyStore:      keyStore,
		NamePrefix:    cfg.BLE.NamePrefix,
		Delegate:      delegate,
		LoggerFactory: loggerFactory,
	})

	var carIDBytes [16]byte
	if _, err := rand.Read(carIDBytes[:]); err != nil {
		return fmt.Errorf("generate car id: %w", err)
	}
	carID, err := uuid.FromBytes(carIDBytes[:])
	if err != nil {
		return err
	}
	log.Infof("simulated head unit car id: %s", carID)

	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		return fmt.Errorf("generate session key: %w", err)
	}

	log.Info("starting association")
	rec, err := runAssociationDemo(orch, keyStore, carIDBytes, sessionKey, cfg.Session.StepTimeout)
	if err != nil {
		return fmt.Errorf("association: %w", err)
	}
	log.Infof("associated %s, proceeding to reconnection", rec.CarID)

	log.Info("starting reconnection")
	session, carHeadUnit, carStream, err := runReconnectionDemo(orch, keyStore, rec, cfg.Session.StepTimeout)
	if err != nil {
		return fmt.Errorf("reconnection: %w", err)
	}
	defer carStream.Close()
	log.Info("reconnection complete, secured channel established")

	go func() {
		if err := carHeadUnit.serveTrustedDevice(carStream, sessionKey); err != nil {
			log.Warnf("simulated head unit: trusted-device service: %v", err)
		}
	}()

	channel := securedchannel.New(securedchannel.Config{
		Stream:                  session.Stream,
		Crypto:                  session.Crypto,
		LoggerFactory:           loggerFactory,
		MissedMessageBufferSize: cfg.Session.MissedMessageBufferSize,
	})

	car := featurehost.Car{CarID: rec.CarID, Name: rec.Name}
	host := featurehost.New(channel, car, loggerFactory)

	tdDelegate := &trustedDeviceDelegate{log: loggerFactory.NewLogger("trusteddevice-demo"), done: make(chan struct{})}
	tdFeature := trusteddevice.New(trusteddevice.Config{
		Store:          trustedStore,
		History:        historyStore,
		HistoryEnabled: cfg.Store.HistoryEnabled,
		Environment:    trusteddevice.AlwaysReadyEnvironment{},
		Delegate:       tdDelegate,
		Sender:         channel,
		LoggerFactory:  loggerFactory,
	})
	if err := host.Register(tdFeature); err != nil {
		return fmt.Errorf("register trusted-device feature: %w", err)
	}

	sysFeature := featurehost.NewSystemFeature(
		cfg.Identity.DeviceName, cfg.Identity.AppName, channel,
		host.IsFeatureSupported,
		func(car featurehost.Car, role featurehost.UserRole) {
			log.Infof("car %s reports user role %q", car.CarID, role)
		},
		loggerFactory,
	)
	if err := host.Register(sysFeature); err != nil {
		return fmt.Errorf("register system feature: %w", err)
	}

	host.NotifyConnected()

	log.Info("enrolling trusted device")
	if err := tdFeature.Enroll(car); err != nil {
		return fmt.Errorf("enroll trusted device: %w", err)
	}

	select {
	case <-tdDelegate.done:
	case <-time.After(cfg.Session.StepTimeout):
		return fmt.Errorf("timed out waiting for trusted-device unlock")
	}

	return nil
}

func runAssociationDemo(orch *orchestrator.Orchestrator, keyStore carstore.KeyStore, carIDBytes [16]byte, sessionKey []byte, stepTimeout time.Duration) (carstore.AssociationRecord, error) {
	central, peripheralLink := transport.NewSimulatedLinkPair(0)
	phone := &demoPeripheral{id: "demo-head-unit", link: central}
	headUnit := newHeadUnit(peripheralLink, carIDBytes)

	carErr := make(chan error, 1)
	go func() {
		compression, err := headUnit.negotiateVersion()
		if err != nil {
			carErr <- err
			return
		}
		_, _, err = headUnit.runAssociation(compression, sessionKey)
		carErr <- err
	}()

	delegate := &loggingAssociationDelegate{}
	cfg := association.Config{
		Peripheral: phone,
		HandshakeFactory: func() handshake.Handshake {
			return &demoHandshake{key: sessionKey, pairingCode: "123456"}
		},
		KeyStore:    keyStore,
		Delegate:    delegate,
		DeviceID:    []byte("carlink-demo-phone"),
		CarName:     "Demo Head Unit",
		StepTimeout: stepTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*stepTimeout)
	defer cancel()
	orch.RunAssociation(ctx, phone, cfg)
	if err := <-carErr; err != nil {
		return carstore.AssociationRecord{}, fmt.Errorf("simulated head unit: %w", err)
	}
	if len(delegate.errs) > 0 {
		return carstore.AssociationRecord{}, delegate.errs[len(delegate.errs)-1]
	}

	rec, ok, err := keyStore.Get(uuidString(carIDBytes))
	if err != nil {
		return carstore.AssociationRecord{}, err
	}
	if !ok {
		return carstore.AssociationRecord{}, fmt.Errorf("association did not persist a record")
	}
	return rec, nil
}

func runReconnectionDemo(orch *orchestrator.Orchestrator, keyStore carstore.KeyStore, rec carstore.AssociationRecord, stepTimeout time.Duration) (*reconnection.Session, *headUnit, framing.Stream, error) {
	var carIDBytes [16]byte
	parsed := uuid.MustParse(rec.CarID)
	copy(carIDBytes[:], parsed[:])

	central, peripheralLink := transport.NewSimulatedLinkPair(0)
	phone := &demoPeripheral{id: "demo-head-unit", link: central}
	carHeadUnit := newHeadUnit(peripheralLink, carIDBytes)

	type carResult struct {
		stream framing.Stream
		err    error
	}
	carErr := make(chan carResult, 1)
	go func() {
		compression, err := carHeadUnit.negotiateVersion()
		if err != nil {
			carErr <- carResult{err: err}
			return
		}
		stream, err := carHeadUnit.runReconnection(compression, rec.AuthKey[:])
		carErr <- carResult{stream: stream, err: err}
	}()

	cfg := reconnection.Config{
		Peripheral:  phone,
		KeyStore:    keyStore,
		Loader:      xorLoader{},
		Delegate:    &loggingReconnectionDelegate{},
		CarID:       rec.CarID,
		StepTimeout: stepTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*stepTimeout)
	defer cancel()
	session, err := orch.RunReconnection(ctx, phone, rec.CarID, cfg)
	result := <-carErr
	if result.err != nil && err == nil {
		return nil, nil, nil, fmt.Errorf("simulated head unit: %w", result.err)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return session, carHeadUnit, result.stream, nil
}

func uuidString(b [16]byte) string {
	id, _ := uuid.FromBytes(b[:])
	return id.String()
}

type loggingAssociationDelegate struct {
	errs []error
}

func (d *loggingAssociationDelegate) DidReceiveCarID(carID uuid.UUID)         {}
func (d *loggingAssociationDelegate) RequiresDisplayOf(pairingCode string)    {}
func (d *loggingAssociationDelegate) DidCompleteAssociation(carstore.AssociationRecord) {}
func (d *loggingAssociationDelegate) DidEncounterError(err error)             { d.errs = append(d.errs, err) }

var _ association.Delegate = (*loggingAssociationDelegate)(nil)

type loggingReconnectionDelegate struct{}

func (d *loggingReconnectionDelegate) DidEncounterError(err error) {}

var _ reconnection.Delegate = (*loggingReconnectionDelegate)(nil)
