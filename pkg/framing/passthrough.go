package framing

import (
	"context"
	"sync"

	"github.com/go-carlink/carlink/pkg/carlink"
	"github.com/go-carlink/carlink/pkg/transport"
)

// Passthrough performs no framing at all: write(message) emits exactly one
// BLE write of the message bytes verbatim, and each incoming write is
// delivered upward unmodified, tagged with the default recipient and
// operationType = clientMessage. It is used exclusively for the
// pre-handshake version exchange.
type Passthrough struct {
	link transport.Link

	mu sync.Mutex

	deliveries chan Delivery
	errs       chan error

	closeOnce sync.Once
	done      chan struct{}
}

// NewPassthrough wraps link in a Passthrough stream and begins relaying
// incoming writes immediately.
func NewPassthrough(link transport.Link) *Passthrough {
	p := &Passthrough{
		link:       link,
		deliveries: make(chan Delivery, 4),
		errs:       make(chan error, 1),
		done:       make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *Passthrough) readLoop() {
	for {
		select {
		case pkt, ok := <-p.link.Receive():
			if !ok {
				return
			}
			delivery := Delivery{
				Payload:       pkt,
				OperationType: carlink.OperationClientMessage,
				Recipient:     carlink.DefaultRecipientUUID,
			}
			select {
			case p.deliveries <- delivery:
			case <-p.done:
				return
			}
		case <-p.done:
			return
		}
	}
}

// Write emits a single BLE write containing payload verbatim. operationType
// and recipient are ignored: Passthrough has no framing header to carry
// them in.
func (p *Passthrough) Write(ctx context.Context, payload []byte, _ carlink.OperationType, _ carlink.RecipientUUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	return p.link.Send(ctx, payload)
}

func (p *Passthrough) Deliveries() <-chan Delivery { return p.deliveries }

func (p *Passthrough) Errors() <-chan error { return p.errs }

func (p *Passthrough) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

var _ Stream = (*Passthrough)(nil)
