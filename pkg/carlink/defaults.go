// Package carlink holds module-wide constants shared across the companion
// protocol stack: default service UUIDs, operation type tags and wire
// limits referenced by more than one package.
package carlink

import "time"

// Default BLE service/characteristic UUIDs.
const (
	// DefaultAssociationServiceUUID is advertised by a head unit willing to
	// pair with a new phone.
	DefaultAssociationServiceUUID = "5e2a68a4-27be-43f9-8d1e-4546976fabd7"

	// DefaultReconnectionServiceUUID is advertised by a head unit for V2+
	// reconnection (fixed across all associated cars).
	DefaultReconnectionServiceUUID = "000000e0-0000-1000-8000-00805f9b34fb"

	// DefaultReconnectionDataUUID carries the 11-byte truncatedHMAC||salt
	// advertisement blob as BLE service data.
	DefaultReconnectionDataUUID = "00000020-0000-1000-8000-00805f9b34fb"
)

// OperationType tags the purpose of a framed message.
type OperationType int32

const (
	OperationEncryptionHandshake OperationType = 1
	OperationClientMessage       OperationType = 2
	OperationQuery               OperationType = 3
	OperationQueryResponse       OperationType = 4
	OperationDisconnect          OperationType = 5
)

func (o OperationType) String() string {
	switch o {
	case OperationEncryptionHandshake:
		return "encryptionHandshake"
	case OperationClientMessage:
		return "clientMessage"
	case OperationQuery:
		return "query"
	case OperationQueryResponse:
		return "queryResponse"
	case OperationDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// MaxMessageID is the wrap boundary for MessageIdGenerator and queryId
// allocators.
const MaxMessageID int32 = 1<<31 - 1

// DefaultStepTimeout is the default timeout for each awaited protocol step
// in AssociationSM/ReconnectionSM.
const DefaultStepTimeout = 15 * time.Second

// DefaultMissedMessageBufferSize is the cap on the per-recipient
// missed-message replay buffer in SecuredChannel.
const DefaultMissedMessageBufferSize = 64

// RecipientUUID identifies a feature addressed on a SecuredChannel.
type RecipientUUID string

// DefaultRecipientUUID is used by the Passthrough framing stream, which has
// no notion of per-message recipients.
const DefaultRecipientUUID RecipientUUID = "00000000-0000-0000-0000-000000000000"

// SystemFeatureRecipientUUID addresses the built-in system feature hosted
// by FeatureHost (device name / app name / user role / feature support).
const SystemFeatureRecipientUUID RecipientUUID = "00000000-0000-0000-0000-0000000004f0"

// TrustedDeviceRecipientUUID addresses the trusted-device/unlock feature.
const TrustedDeviceRecipientUUID RecipientUUID = "00000000-0000-0000-0000-0000000004f5"
