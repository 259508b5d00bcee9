package version

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-carlink/carlink/pkg/framing"
	"github.com/go-carlink/carlink/pkg/transport"
	"github.com/go-carlink/carlink/pkg/wire"
)

func TestResolveHappyPathEnablesCompression(t *testing.T) {
	central, peripheral := transport.NewSimulatedLinkPair(0)
	defer central.Close()
	defer peripheral.Close()

	clientStream := framing.NewPassthrough(central)
	serverStream := framing.NewPassthrough(peripheral)
	defer clientStream.Close()
	defer serverStream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	clientDone := make(chan result, 1)
	serverDone := make(chan result, 1)

	go func() {
		r, err := ClientResolve(ctx, clientStream)
		clientDone <- result{r, err}
	}()
	go func() {
		r, err := ServerResolve(ctx, serverStream)
		serverDone <- result{r, err}
	}()

	cr := <-clientDone
	sr := <-serverDone

	if cr.err != nil {
		t.Fatalf("ClientResolve() error: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("ServerResolve() error: %v", sr.err)
	}
	if !cr.resolved.Compression || !sr.resolved.Compression {
		t.Fatalf("expected compression enabled on both sides, got client=%v server=%v", cr.resolved, sr.resolved)
	}
}

type result struct {
	resolved Resolved
	err      error
}

func TestResolveFallsBackWithoutCompressionWhenPeerCapsAtV2(t *testing.T) {
	central, peripheral := transport.NewSimulatedLinkPair(0)
	defer central.Close()
	defer peripheral.Close()

	clientStream := framing.NewPassthrough(central)
	serverStream := framing.NewPassthrough(peripheral)
	defer clientStream.Close()
	defer serverStream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Server only supports messaging version 2.
	go func() {
		theirs, err := awaitExchange(ctx, serverStream)
		if err != nil {
			return
		}
		_ = theirs
		capped := &wire.VersionExchange{
			MinMessagingVersion: 2,
			MaxMessagingVersion: 2,
			MinSecurityVersion:  MinSecurityVersion,
			MaxSecurityVersion:  MaxSecurityVersion,
		}
		_ = write(ctx, serverStream, capped)
	}()

	resolved, err := ClientResolve(ctx, clientStream)
	if err != nil {
		t.Fatalf("ClientResolve() error: %v", err)
	}
	if resolved.Compression {
		t.Fatalf("expected compression disabled, got %+v", resolved)
	}
}

func TestResolveFailsWhenSecurityRangesDisjoint(t *testing.T) {
	central, peripheral := transport.NewSimulatedLinkPair(0)
	defer central.Close()
	defer peripheral.Close()

	clientStream := framing.NewPassthrough(central)
	serverStream := framing.NewPassthrough(peripheral)
	defer clientStream.Close()
	defer serverStream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		_, err := awaitExchange(ctx, serverStream)
		if err != nil {
			return
		}
		incompatible := &wire.VersionExchange{
			MinMessagingVersion: MinMessagingVersion,
			MaxMessagingVersion: MaxMessagingVersion,
			MinSecurityVersion:  5,
			MaxSecurityVersion:  5,
		}
		_ = write(ctx, serverStream, incompatible)
	}()

	_, err := ClientResolve(ctx, clientStream)
	if err == nil {
		t.Fatal("expected VersionNotSupported error")
	}
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != VersionNotSupported {
		t.Fatalf("got error %v, want VersionNotSupported", err)
	}
}

func TestResolveTimesOutWithTimedOutKind(t *testing.T) {
	central, peripheral := transport.NewSimulatedLinkPair(0)
	defer central.Close()
	defer peripheral.Close()

	// Nobody answers the peripheral side, so the client blocks waiting
	// for a response and its context deadline fires.
	clientStream := framing.NewPassthrough(central)
	defer clientStream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_ = peripheral // kept open but unanswered

	_, err := ClientResolve(ctx, clientStream)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != TimedOut {
		t.Fatalf("got error %v, want TimedOut", err)
	}
}
