package transport

import (
	"context"
	"testing"
	"time"
)

func TestSimulatedLinkPairRoundtrip(t *testing.T) {
	central, peripheral := NewSimulatedLinkPair(0)
	defer central.Close()
	defer peripheral.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg := []byte("version exchange payload")
	if err := central.Send(ctx, msg); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	select {
	case got := <-peripheral.Receive():
		if string(got) != string(msg) {
			t.Fatalf("got %q, want %q", got, msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestSimulatedLinkRejectsOversizePacket(t *testing.T) {
	central, peripheral := NewSimulatedLinkPair(8)
	defer central.Close()
	defer peripheral.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := central.Send(ctx, make([]byte, 9)); err == nil {
		t.Fatal("expected error for oversize packet")
	}
}

func TestSimulatedLinkCloseClosesReceiveChannel(t *testing.T) {
	central, peripheral := NewSimulatedLinkPair(0)
	defer central.Close()

	if err := peripheral.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	select {
	case _, ok := <-peripheral.Receive():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestSimulatedLinkDropRate(t *testing.T) {
	central, peripheral := NewSimulatedLinkPairWithCondition(0, NetworkCondition{DropRate: 1.0})
	defer central.Close()
	defer peripheral.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := central.Send(ctx, []byte("dropped")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	select {
	case <-peripheral.Receive():
		t.Fatal("expected packet to be dropped")
	case <-time.After(100 * time.Millisecond):
		// expected: nothing arrives
	}
}
