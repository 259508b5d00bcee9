package reconnection

import (
	"context"

	"github.com/go-carlink/carlink/pkg/transport"
)

// Peripheral is the collaborator ReconnectionSM drives through BLE GATT
// discovery of the reconnection service before any framed messaging
//, mirroring pkg/association's discovery shape.
type Peripheral interface {
	// DiscoverServices resolves the reconnection service on the
	// peripheral. Failure maps to ServiceNotFound.
	DiscoverServices(ctx context.Context) error

	// DiscoverCharacteristics resolves the client-write and server-write
	// characteristics. Failure maps to ServiceNotFound.
	DiscoverCharacteristics(ctx context.Context) error

	// Link returns the connected transport once discovery has succeeded.
	Link() transport.Link
}

// Delegate receives the callbacks ReconnectionSM raises over the course
// of a run.
type Delegate interface {
	// DidEncounterError fires on any terminal failure; Run also returns
	// the same error.
	DidEncounterError(err error)
}
