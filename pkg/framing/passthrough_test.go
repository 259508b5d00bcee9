package framing

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-carlink/carlink/pkg/carlink"
	"github.com/go-carlink/carlink/pkg/transport"
)

func TestPassthroughWriteEmitsSingleRawWrite(t *testing.T) {
	central, peripheral := transport.NewSimulatedLinkPair(0)
	defer central.Close()
	defer peripheral.Close()

	stream := NewPassthrough(central)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg := []byte("version exchange bytes")
	if err := stream.Write(ctx, msg, carlink.OperationEncryptionHandshake, carlink.DefaultRecipientUUID); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	select {
	case got := <-peripheral.Receive():
		if !bytes.Equal(got, msg) {
			t.Fatalf("got %q, want %q", got, msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for raw write")
	}
}

func TestPassthroughDeliversWithDefaultRecipient(t *testing.T) {
	central, peripheral := transport.NewSimulatedLinkPair(0)
	defer central.Close()
	defer peripheral.Close()

	stream := NewPassthrough(peripheral)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg := []byte("hello")
	if err := central.Send(ctx, msg); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	select {
	case d := <-stream.Deliveries():
		if !bytes.Equal(d.Payload, msg) {
			t.Fatalf("got payload %q, want %q", d.Payload, msg)
		}
		if d.OperationType != carlink.OperationClientMessage {
			t.Fatalf("got operationType %v, want clientMessage", d.OperationType)
		}
		if d.Recipient != carlink.DefaultRecipientUUID {
			t.Fatalf("got recipient %v, want default", d.Recipient)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}
