package association

import (
	"context"

	"github.com/google/uuid"

	"github.com/go-carlink/carlink/pkg/carstore"
	"github.com/go-carlink/carlink/pkg/transport"
)

// Peripheral is the collaborator AssociationSM drives through the BLE
// GATT discovery steps that precede any framed messaging,
// grounded on the discover-then-connect shape of a BLE device handle.
type Peripheral interface {
	// DiscoverServices resolves the association service on the
	// peripheral. Failure maps to CannotDiscoverServices.
	DiscoverServices(ctx context.Context) error

	// DiscoverCharacteristics resolves the client-write and
	// server-write characteristics and subscribes to notifications on
	// the server-write characteristic. Failure maps to
	// CannotDiscoverCharacteristics.
	DiscoverCharacteristics(ctx context.Context) error

	// Link returns the connected transport once discovery has
	// succeeded.
	Link() transport.Link
}

// Delegate receives the callbacks AssociationSM raises over the course
// of a run.
type Delegate interface {
	// DidReceiveCarID fires as soon as the head unit's car id is known,
	// before the association record is persisted.
	DidReceiveCarID(carID uuid.UUID)

	// RequiresDisplayOf asks the UI to show a pairing code to the user.
	RequiresDisplayOf(pairingCode string)

	// DidCompleteAssociation fires once the association record has been
	// persisted.
	DidCompleteAssociation(rec carstore.AssociationRecord)

	// DidEncounterError fires on any terminal failure; Run also returns
	// the same error.
	DidEncounterError(err error)
}
