package framing

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-carlink/carlink/pkg/carlink"
	"github.com/go-carlink/carlink/pkg/transport"
	"github.com/go-carlink/carlink/pkg/wire"
)

func TestV2RoundtripSingleMessage(t *testing.T) {
	central, peripheral := transport.NewSimulatedLinkPair(0)
	defer central.Close()
	defer peripheral.Close()

	writer := NewV2(central, false)
	reader := NewV2(peripheral, false)
	defer writer.Close()
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg := []byte("a single-packet message")
	if err := writer.Write(ctx, msg, carlink.OperationClientMessage, carlink.SystemFeatureRecipientUUID); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	select {
	case d := <-reader.Deliveries():
		if !bytes.Equal(d.Payload, msg) {
			t.Fatalf("got payload %q, want %q", d.Payload, msg)
		}
		if d.OperationType != carlink.OperationClientMessage {
			t.Fatalf("got operationType %v", d.OperationType)
		}
		if d.Recipient != carlink.SystemFeatureRecipientUUID {
			t.Fatalf("got recipient %v", d.Recipient)
		}
	case err := <-reader.Errors():
		t.Fatalf("unexpected framing error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

// countingLink wraps a transport.Link and counts the number of packets
// sent through it, so the framing-boundary test can assert the exact
// outbound write count alongside reassembly correctness.
type countingLink struct {
	transport.Link
	sends int
}

func (c *countingLink) Send(ctx context.Context, p []byte) error {
	c.sends++
	return c.Link.Send(ctx, p)
}

func TestV2FramingBoundaryChunksAndReassembles(t *testing.T) {
	centralLink, peripheral := transport.NewSimulatedLinkPair(185)
	central := &countingLink{Link: centralLink}
	defer central.Close()
	defer peripheral.Close()

	writer := NewV2(central, false)
	reader := NewV2(peripheral, false)
	defer writer.Close()
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := []byte(strings.Repeat("x", 10*1024))

	maxPayload := 185 - HeaderOverhead
	wantPackets := (len(msg) + maxPayload - 1) / maxPayload

	done := make(chan error, 1)
	go func() { done <- writer.Write(ctx, msg, carlink.OperationClientMessage, carlink.DefaultRecipientUUID) }()

	select {
	case d := <-reader.Deliveries():
		if !bytes.Equal(d.Payload, msg) {
			t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(d.Payload), len(msg))
		}
	case err := <-reader.Errors():
		t.Fatalf("unexpected framing error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reassembled delivery")
	}

	if err := <-done; err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if central.sends != wantPackets {
		t.Fatalf("got %d outbound writes, want %d", central.sends, wantPackets)
	}
}

func TestV2CompressionUsedWhenSmaller(t *testing.T) {
	central, peripheral := transport.NewSimulatedLinkPair(0)
	defer central.Close()
	defer peripheral.Close()

	writer := NewV2(central, true)
	reader := NewV2(peripheral, false)
	defer writer.Close()
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg := []byte(strings.Repeat("compressible payload ", 50))
	if err := writer.Write(ctx, msg, carlink.OperationClientMessage, carlink.DefaultRecipientUUID); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	select {
	case d := <-reader.Deliveries():
		if !bytes.Equal(d.Payload, msg) {
			t.Fatalf("roundtrip mismatch after compression")
		}
	case err := <-reader.Errors():
		t.Fatalf("unexpected framing error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestV2PacketNumberOutOfRangeIsFatal(t *testing.T) {
	central, peripheral := transport.NewSimulatedLinkPair(0)
	defer central.Close()
	defer peripheral.Close()

	reader := NewV2(peripheral, false)
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	bad := &wire.Packet{MessageID: 1, PacketNumber: 2, TotalPackets: 1, Payload: []byte("x")}
	if err := central.Send(ctx, bad.Marshal()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	select {
	case err := <-reader.Errors():
		if err != ErrPacketNumberOutOfRange {
			t.Fatalf("got error %v, want ErrPacketNumberOutOfRange", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fatal error")
	}
}

func TestV2ConcurrentMessageIsFatal(t *testing.T) {
	central, peripheral := transport.NewSimulatedLinkPair(0)
	defer central.Close()
	defer peripheral.Close()

	reader := NewV2(peripheral, false)
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first := &wire.Packet{MessageID: 1, PacketNumber: 1, TotalPackets: 2, Payload: []byte("a")}
	second := &wire.Packet{MessageID: 2, PacketNumber: 1, TotalPackets: 1, Payload: []byte("b")}

	if err := central.Send(ctx, first.Marshal()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if err := central.Send(ctx, second.Marshal()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	select {
	case err := <-reader.Errors():
		if err != ErrConcurrentMessage {
			t.Fatalf("got error %v, want ErrConcurrentMessage", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fatal error")
	}
}
