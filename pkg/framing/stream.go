// Package framing packetizes messages into MTU-sized BLE writes and
// reassembles them on the other side, per a negotiated
// MessageStreamVersion: the pre-handshake Passthrough stream, or the
// chunked-and-optionally-compressed V2 stream used for everything
// afterward.
package framing

import (
	"context"
	"errors"

	"github.com/go-carlink/carlink/pkg/carlink"
)

// Fatal framing errors. Once one of these is
// delivered on a Stream's Errors channel, the stream must be discarded;
// callers report upward and close the underlying connection.
var (
	ErrReassemblySizeMismatch = errors.New("framing: reassembly size mismatch")
	ErrPacketNumberOutOfRange = errors.New("framing: packet number out of range")
	ErrDecompressionFailure   = errors.New("framing: decompression failure")
	ErrConcurrentMessage      = errors.New("framing: second messageId arrived before previous message completed")
)

// ErrClosed is returned by Write after the stream has been closed.
var ErrClosed = errors.New("framing: stream closed")

// Delivery is a fully reassembled message handed upward from a Stream.
type Delivery struct {
	Payload       []byte
	OperationType carlink.OperationType
	Recipient     carlink.RecipientUUID
}

// Stream is the framing abstraction sitting directly above a
// transport.Link. A connection first uses a Passthrough stream for the
// version exchange; that stream is closed and a V2 stream is built on the
// same link from the resolved version.
type Stream interface {
	// Write sends one complete message, blocking until every packet has
	// been handed to the transport (or ctx is done, or the stream is
	// closed). Concurrent calls never interleave the packets of different
	// messages; the order in which waiting callers proceed is not defined.
	Write(ctx context.Context, payload []byte, operationType carlink.OperationType, recipient carlink.RecipientUUID) error

	// Deliveries returns the channel of upward-delivered completed
	// messages, in transmission order.
	Deliveries() <-chan Delivery

	// Errors returns the channel of fatal framing errors. It receives at
	// most one value, after which the stream is no longer usable.
	Errors() <-chan error

	// Close releases the stream's resources. It does not close the
	// underlying transport.Link.
	Close() error
}
