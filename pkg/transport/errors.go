package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed link.
	ErrClosed = errors.New("transport: closed")

	// ErrMessageTooLarge is returned when a packet exceeds the link's MTU.
	ErrMessageTooLarge = errors.New("transport: message too large")
)
