package main

import (
	"context"

	"github.com/go-carlink/carlink/pkg/transport"
)

// demoPeripheral adapts one end of a simulated Link into the Peripheral
// shape association.AssociationSM, reconnection.ReconnectionSM and
// orchestrator.Orchestrator all expect. Discovery is a no-op: the
// simulated link has no GATT table to walk.
type demoPeripheral struct {
	id   string
	link transport.Link
}

func (p *demoPeripheral) ID() string { return p.id }

func (p *demoPeripheral) DiscoverServices(ctx context.Context) error { return nil }

func (p *demoPeripheral) DiscoverCharacteristics(ctx context.Context) error { return nil }

func (p *demoPeripheral) Link() transport.Link { return p.link }

func (p *demoPeripheral) Disconnect() error { return p.link.Close() }
