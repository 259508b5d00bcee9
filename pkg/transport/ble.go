package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"
)

// DefaultMTU is the usable payload size of a single Link.Send call once a
// BLE 4.2+ connection has negotiated an MTU above the legacy 23-byte
// floor. pkg/framing is responsible for chunking
// larger messages to fit within it.
const DefaultMTU = 185

// Link is a single duplex, packet-oriented BLE connection between a phone
// and a head unit. Each Send call delivers exactly one packet to the
// peer's Receive channel, mirroring a GATT characteristic write paired
// with a notification on the other side.
type Link interface {
	// Send transmits one packet, blocking until delivered, ctx is done, or
	// the link is closed.
	Send(ctx context.Context, p []byte) error

	// Receive returns the channel of incoming packets. It is closed when
	// the link is closed.
	Receive() <-chan []byte

	// MTU returns the maximum payload size accepted by Send.
	MTU() int

	// Close tears down the link. Safe to call more than once.
	Close() error
}

// simulatedLink implements Link over one endpoint of a Pipe, for use in
// tests and the in-process demo command where no real BLE radio is
// available.
type simulatedLink struct {
	conn  net.Conn
	pipe  *Pipe
	mtu   int
	rng   *rand.Rand
	rngMu sync.Mutex

	recv chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSimulatedLinkPair returns two Links, central and peripheral, connected
// to each other through an in-memory Pipe. mtu <= 0 selects DefaultMTU.
func NewSimulatedLinkPair(mtu int) (central, peripheral Link) {
	return NewSimulatedLinkPairWithCondition(mtu, NetworkCondition{})
}

// NewSimulatedLinkPairWithCondition is like NewSimulatedLinkPair but applies
// the given NetworkCondition to both directions of the link, for tests that
// exercise drop/delay/duplicate handling above the transport layer.
func NewSimulatedLinkPairWithCondition(mtu int, cond NetworkCondition) (central, peripheral Link) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	pipe := NewPipe()
	pipe.SetCondition(cond)
	c := newSimulatedLink(pipe, pipe.Conn0(), mtu)
	p := newSimulatedLink(pipe, pipe.Conn1(), mtu)
	return c, p
}

func newSimulatedLink(pipe *Pipe, conn net.Conn, mtu int) *simulatedLink {
	l := &simulatedLink{
		conn:   conn,
		pipe:   pipe,
		mtu:    mtu,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		recv:   make(chan []byte, 32),
		closed: make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *simulatedLink) readLoop() {
	defer close(l.recv)
	buf := make([]byte, l.mtu)
	for {
		n, err := l.conn.Read(buf)
		if err != nil {
			return
		}
		pkt := append([]byte(nil), buf[:n]...)
		select {
		case l.recv <- pkt:
		case <-l.closed:
			return
		}
	}
}

func (l *simulatedLink) Send(ctx context.Context, p []byte) error {
	if len(p) > l.mtu {
		return fmt.Errorf("%w: packet of %d bytes exceeds mtu %d", ErrMessageTooLarge, len(p), l.mtu)
	}

	select {
	case <-l.closed:
		return ErrClosed
	default:
	}

	cond := l.pipe.Condition()
	l.rngMu.Lock()
	drop := cond.DropRate > 0 && l.rng.Float64() < cond.DropRate
	duplicate := cond.DuplicateRate > 0 && l.rng.Float64() < cond.DuplicateRate
	var delay time.Duration
	if cond.DelayMax > 0 {
		delay = cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			delay += time.Duration(l.rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		}
	}
	l.rngMu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closed:
			return ErrClosed
		}
	}

	if drop {
		return nil
	}

	writes := 1
	if duplicate {
		writes = 2
	}

	done := make(chan error, 1)
	go func() {
		for i := 0; i < writes; i++ {
			if _, err := l.conn.Write(p); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed:
		return ErrClosed
	}
}

func (l *simulatedLink) Receive() <-chan []byte { return l.recv }

func (l *simulatedLink) MTU() int { return l.mtu }

func (l *simulatedLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return l.conn.Close()
}

var _ Link = (*simulatedLink)(nil)
