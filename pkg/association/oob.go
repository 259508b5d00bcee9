package association

import (
	"context"
	"errors"
	"sync"
)

// OutOfBandAssociationToken is the opaque token carried by an
// out-of-band association URL, used to auto-verify a V4 pairing code
// instead of requiring a visual confirmation.
type OutOfBandAssociationToken []byte

// ErrNoToken is returned by RequestToken when no out-of-band token
// becomes available before the request is reset or its context ends.
var ErrNoToken = errors.New("association: no out-of-band token available")

// OutOfBandTokenProvider supplies an out-of-band token for the V4
// pairing-code verification step.
type OutOfBandTokenProvider interface {
	// RequestToken blocks until a token becomes available, the
	// provider is reset, or ctx is done.
	RequestToken(ctx context.Context) (OutOfBandAssociationToken, error)
}

// CoalescingProvider composes a set of child OutOfBandTokenProviders
// registered ahead of time. A RequestToken call fans out to every child
// registered at the time the request was issued; children registered
// later do not participate in requests already in flight. Whichever
// child resolves first wins; Reset cancels every outstanding request,
// resolving them all with ErrNoToken.
type CoalescingProvider struct {
	mu       sync.Mutex
	children []OutOfBandTokenProvider
	cancels  map[int]context.CancelFunc
	nextID   int
}

// NewCoalescingProvider returns an empty CoalescingProvider.
func NewCoalescingProvider() *CoalescingProvider {
	return &CoalescingProvider{cancels: make(map[int]context.CancelFunc)}
}

// Register adds a child provider. Only requests issued after Register
// returns will fan out to it.
func (p *CoalescingProvider) Register(child OutOfBandTokenProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children = append(p.children, child)
}

type tokenResult struct {
	token OutOfBandAssociationToken
	err   error
}

// RequestToken snapshots the currently registered children and returns
// the first token any of them produces.
func (p *CoalescingProvider) RequestToken(ctx context.Context) (OutOfBandAssociationToken, error) {
	p.mu.Lock()
	children := make([]OutOfBandTokenProvider, len(p.children))
	copy(children, p.children)
	childCtx, cancel := context.WithCancel(ctx)
	id := p.nextID
	p.nextID++
	p.cancels[id] = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.cancels, id)
		p.mu.Unlock()
		cancel()
	}()

	if len(children) == 0 {
		<-childCtx.Done()
		return nil, ErrNoToken
	}

	results := make(chan tokenResult, len(children))
	for _, c := range children {
		go func(c OutOfBandTokenProvider) {
			tok, err := c.RequestToken(childCtx)
			if err == nil {
				select {
				case results <- tokenResult{token: tok}:
				default:
				}
			}
		}(c)
	}

	select {
	case r := <-results:
		return r.token, nil
	case <-childCtx.Done():
		return nil, ErrNoToken
	}
}

// Reset cancels every in-flight RequestToken call, resolving each with
// ErrNoToken.
func (p *CoalescingProvider) Reset() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for _, cancel := range p.cancels {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

var _ OutOfBandTokenProvider = (*CoalescingProvider)(nil)
