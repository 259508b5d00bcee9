// Package version implements the pre-handshake version exchange executed
// once per connection, before any framed messaging: each side advertises
// its supported messaging and security version ranges and the pair
// resolves to a concrete MessageStreamVersion.
package version

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-carlink/carlink/pkg/framing"
	"github.com/go-carlink/carlink/pkg/wire"
)

// Supported version ranges advertised by this implementation.
const (
	MinMessagingVersion int32 = 2
	MaxMessagingVersion int32 = 3
	MinSecurityVersion  int32 = 1
	MaxSecurityVersion  int32 = 4
)

// ErrorKind tags the taxonomy of version-exchange failures, so callers can distinguish e.g. a write timeout from a
// malformed response without string matching.
type ErrorKind int

const (
	FailedToCreateProto ErrorKind = iota
	FailedToWrite
	FailedToRead
	EmptyResponse
	FailedToParseResponse
	VersionNotSupported
	TimedOut
)

func (k ErrorKind) String() string {
	switch k {
	case FailedToCreateProto:
		return "failedToCreateProto"
	case FailedToWrite:
		return "failedToWrite"
	case FailedToRead:
		return "failedToRead"
	case EmptyResponse:
		return "emptyResponse"
	case FailedToParseResponse:
		return "failedToParseResponse"
	case VersionNotSupported:
		return "versionNotSupported"
	case TimedOut:
		return "timedOut"
	default:
		return "unknown"
	}
}

// Error is returned by ClientResolve/ServerResolve. Unlike a single
// shared "any deadline means TimedOut" check, each call site reports the
// Kind appropriate to the step it was performing when ctx expired — a
// write that times out is FailedToWrite, not TimedOut.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("version: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("version: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// notifyError is the single seam every failure path in this package goes
// through, so the resulting Kind always reflects what the caller was
// actually attempting rather than a reused default.
func notifyError(kind ErrorKind, cause error) error {
	return &Error{Kind: kind, Cause: cause}
}

// Resolved is the outcome of a successful version exchange.
type Resolved struct {
	// Compression reports whether the resolved messaging version is 3
	// (V2 framing with compression enabled) as opposed to 2 (disabled).
	Compression bool

	// SecurityVersion is the resolved MessageSecurityVersion (1-4),
	// selecting which AssociationSM/ReconnectionSM message helper
	// applies to the rest of the connection.
	SecurityVersion int32
}

// ClientResolve performs the phone side of the version exchange over
// stream, which must be in framing.Passthrough mode.
func ClientResolve(ctx context.Context, stream framing.Stream) (Resolved, error) {
	ours := ownRange()

	if err := write(ctx, stream, ours); err != nil {
		return Resolved{}, err
	}

	theirs, err := awaitExchange(ctx, stream)
	if err != nil {
		return Resolved{}, err
	}

	return resolve(ours, theirs)
}

// ServerResolve performs the head unit side of the version exchange over
// stream.
func ServerResolve(ctx context.Context, stream framing.Stream) (Resolved, error) {
	ours := ownRange()

	theirs, err := awaitExchange(ctx, stream)
	if err != nil {
		return Resolved{}, err
	}

	if err := write(ctx, stream, ours); err != nil {
		return Resolved{}, err
	}

	return resolve(theirs, ours)
}

func ownRange() *wire.VersionExchange {
	return &wire.VersionExchange{
		MinMessagingVersion: MinMessagingVersion,
		MaxMessagingVersion: MaxMessagingVersion,
		MinSecurityVersion:  MinSecurityVersion,
		MaxSecurityVersion:  MaxSecurityVersion,
	}
}

func write(ctx context.Context, stream framing.Stream, v *wire.VersionExchange) error {
	data := v.Marshal()
	if len(data) == 0 {
		return notifyError(FailedToCreateProto, errors.New("empty version exchange encoding"))
	}

	if err := stream.Write(ctx, data, 0, ""); err != nil {
		if ctx.Err() != nil {
			return notifyError(FailedToWrite, ctx.Err())
		}
		return notifyError(FailedToWrite, err)
	}
	return nil
}

func awaitExchange(ctx context.Context, stream framing.Stream) (*wire.VersionExchange, error) {
	select {
	case d, ok := <-stream.Deliveries():
		if !ok {
			return nil, notifyError(EmptyResponse, errors.New("stream closed"))
		}
		if len(d.Payload) == 0 {
			return nil, notifyError(EmptyResponse, nil)
		}
		var v wire.VersionExchange
		if err := v.Unmarshal(d.Payload); err != nil {
			return nil, notifyError(FailedToParseResponse, err)
		}
		return &v, nil
	case err := <-stream.Errors():
		return nil, notifyError(FailedToRead, err)
	case <-ctx.Done():
		return nil, notifyError(TimedOut, ctx.Err())
	}
}

// resolve intersects the client and server's advertised version ranges.
func resolve(client, server *wire.VersionExchange) (Resolved, error) {
	resolvedSec := min(client.MaxSecurityVersion, server.MaxSecurityVersion)
	if resolvedSec < server.MinSecurityVersion || resolvedSec < 1 {
		return Resolved{}, notifyError(VersionNotSupported, nil)
	}

	resolvedMsg := min(client.MaxMessagingVersion, server.MaxMessagingVersion)
	if resolvedMsg < max(client.MinMessagingVersion, server.MinMessagingVersion) {
		return Resolved{}, notifyError(VersionNotSupported, nil)
	}

	switch resolvedMsg {
	case 3:
		return Resolved{Compression: true, SecurityVersion: resolvedSec}, nil
	case 2:
		return Resolved{Compression: false, SecurityVersion: resolvedSec}, nil
	default:
		return Resolved{}, notifyError(VersionNotSupported, nil)
	}
}
