// Package securedchannel multiplexes encrypted messages and query/response
// traffic over a single framed, encrypted connection to an associated or
// reconnected vehicle.
package securedchannel

import (
	"context"
	"sync"

	"github.com/pion/logging"

	"github.com/go-carlink/carlink/pkg/carlink"
	"github.com/go-carlink/carlink/pkg/framing"
	"github.com/go-carlink/carlink/pkg/handshake"
	"github.com/go-carlink/carlink/pkg/wire"
)

// MessageObserver receives decrypted clientMessage payloads for a
// recipient.
type MessageObserver func(payload []byte)

// QueryObserver receives a decrypted query for a recipient and a handle to
// send back exactly one response.
type QueryObserver func(req wire.Query, respond ResponseHandle)

// ResponseHandle lets a QueryObserver send back a QueryResponse for the
// query it was invoked with.
type ResponseHandle func(ctx context.Context, resp wire.QueryResponse) error

// ResponseCallback receives the QueryResponse for a query this channel
// sent, matched by id.
type ResponseCallback func(resp wire.QueryResponse)

// ObservationHandle cancels a previously-registered observer.
type ObservationHandle struct {
	cancel func()
}

// Cancel releases the observer slot. Safe to call more than once.
func (h *ObservationHandle) Cancel() {
	if h != nil && h.cancel != nil {
		h.cancel()
	}
}

// Config configures a Channel.
type Config struct {
	Stream        framing.Stream
	Crypto        *handshake.SessionCrypto
	LoggerFactory logging.LoggerFactory

	// MissedMessageBufferSize caps the per-recipient replay buffer for
	// messages/queries that arrived with no registered observer.
	// Defaults to carlink.DefaultMissedMessageBufferSize.
	MissedMessageBufferSize int
}

// Channel multiplexes a single encrypted framing.Stream across recipients,
// correlating queries with their responses and replaying missed traffic to
// observers as they register.
type Channel struct {
	stream framing.Stream
	crypto *handshake.SessionCrypto
	log    logging.LeveledLogger

	missedCap int

	mu              sync.Mutex
	messageObs      map[carlink.RecipientUUID]MessageObserver
	queryObs        map[carlink.RecipientUUID]QueryObserver
	missedMessages  map[carlink.RecipientUUID][][]byte
	missedQueries   map[carlink.RecipientUUID][]wire.Query
	pendingQueries  map[int32]ResponseCallback
	queryIDGen      framing.MessageIDGenerator
	disconnectObs   []func()
	closed          bool

	errOnce sync.Once
	errCb   func(err error)
}

// New wraps cfg.Stream in a Channel and begins dispatching incoming
// deliveries immediately.
func New(cfg Config) *Channel {
	missedCap := cfg.MissedMessageBufferSize
	if missedCap <= 0 {
		missedCap = carlink.DefaultMissedMessageBufferSize
	}
	c := &Channel{
		stream:         cfg.Stream,
		crypto:         cfg.Crypto,
		missedCap:      missedCap,
		messageObs:     make(map[carlink.RecipientUUID]MessageObserver),
		queryObs:       make(map[carlink.RecipientUUID]QueryObserver),
		missedMessages: make(map[carlink.RecipientUUID][][]byte),
		missedQueries:  make(map[carlink.RecipientUUID][]wire.Query),
		pendingQueries: make(map[int32]ResponseCallback),
	}
	if cfg.LoggerFactory != nil {
		c.log = cfg.LoggerFactory.NewLogger("securedchannel")
	}
	go c.dispatchLoop()
	return c
}

// OnUnrecoverableError registers the callback invoked once, from the
// dispatch goroutine, when the underlying stream reports a fatal framing
// error.
// The caller is expected to disconnect the peripheral in response.
func (c *Channel) OnUnrecoverableError(cb func(err error)) {
	c.mu.Lock()
	c.errCb = cb
	c.mu.Unlock()
}

// WriteEncrypted encrypts payload and writes it as operationType to
// recipient.
func (c *Channel) WriteEncrypted(ctx context.Context, payload []byte, operationType carlink.OperationType, recipient carlink.RecipientUUID) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrInvalidChannel
	}

	ciphertext, err := c.crypto.Encrypt(payload)
	if err != nil {
		return err
	}
	if err := c.stream.Write(ctx, ciphertext, operationType, recipient); err != nil {
		return ErrInvalidChannel
	}
	return nil
}

// SendQuery allocates the next queryId, writes query to recipient and
// invokes onResponse exactly once when the matching QueryResponse arrives.
func (c *Channel) SendQuery(ctx context.Context, recipient carlink.RecipientUUID, query wire.Query, onResponse ResponseCallback) (int32, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrInvalidChannel
	}
	id := c.queryIDGen.Next()
	if onResponse != nil {
		c.pendingQueries[id] = onResponse
	}
	c.mu.Unlock()

	withID := wire.Query{ID: id, Request: query.Request, Parameters: query.Parameters}
	payload := withID.Marshal()

	if err := c.WriteEncrypted(ctx, payload, carlink.OperationQuery, recipient); err != nil {
		c.mu.Lock()
		delete(c.pendingQueries, id)
		c.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// SendQueryResponse writes resp to recipient as an operationType=query
// response message.
func (c *Channel) SendQueryResponse(ctx context.Context, recipient carlink.RecipientUUID, resp wire.QueryResponse) error {
	return c.WriteEncrypted(ctx, resp.Marshal(), carlink.OperationQueryResponse, recipient)
}

// ObserveMessageReceived registers cb as the sole message observer for
// recipient, replaying any messages that arrived with no observer
// registered for it. Fails ErrObserverAlreadyRegistered if one is already
// registered.
func (c *Channel) ObserveMessageReceived(recipient carlink.RecipientUUID, cb MessageObserver) (*ObservationHandle, error) {
	c.mu.Lock()
	if _, exists := c.messageObs[recipient]; exists {
		c.mu.Unlock()
		return nil, ErrObserverAlreadyRegistered
	}
	c.messageObs[recipient] = cb
	missed := c.missedMessages[recipient]
	delete(c.missedMessages, recipient)
	c.mu.Unlock()

	// Callbacks run outside the lock: an observer that writes back onto
	// this channel (e.g. a query response handle) would otherwise
	// deadlock re-entering it.
	for _, payload := range missed {
		cb(payload)
	}

	return &ObservationHandle{cancel: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.messageObs[recipient] != nil {
			delete(c.messageObs, recipient)
		}
	}}, nil
}

// ObserveQueryReceived registers cb as the sole query observer for
// recipient, replaying any queries that arrived with no observer
// registered for it.
func (c *Channel) ObserveQueryReceived(recipient carlink.RecipientUUID, cb QueryObserver) (*ObservationHandle, error) {
	c.mu.Lock()
	if _, exists := c.queryObs[recipient]; exists {
		c.mu.Unlock()
		return nil, ErrObserverAlreadyRegistered
	}
	c.queryObs[recipient] = cb
	missed := c.missedQueries[recipient]
	delete(c.missedQueries, recipient)
	c.mu.Unlock()

	for _, q := range missed {
		c.invokeQueryObserver(recipient, cb, q)
	}

	return &ObservationHandle{cancel: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.queryObs[recipient] != nil {
			delete(c.queryObs, recipient)
		}
	}}, nil
}

// ObserveDisconnectRequestReceived registers cb to fire whenever an
// incoming message with operationType=disconnect arrives (recipient
// ignored).
func (c *Channel) ObserveDisconnectRequestReceived(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectObs = append(c.disconnectObs, cb)
}

// Close tears down the underlying stream. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.stream.Close()
}

func (c *Channel) invokeQueryObserver(recipient carlink.RecipientUUID, cb QueryObserver, q wire.Query) {
	cb(q, func(ctx context.Context, resp wire.QueryResponse) error {
		return c.SendQueryResponse(ctx, recipient, resp)
	})
}

func (c *Channel) dispatchLoop() {
	for {
		select {
		case d, ok := <-c.stream.Deliveries():
			if !ok {
				return
			}
			c.handleDelivery(d)
		case err, ok := <-c.stream.Errors():
			if !ok {
				return
			}
			c.reportUnrecoverable(err)
			return
		}
	}
}

func (c *Channel) reportUnrecoverable(err error) {
	c.mu.Lock()
	cb := c.errCb
	c.mu.Unlock()
	c.errOnce.Do(func() {
		if cb != nil {
			cb(err)
		}
		if c.log != nil {
			c.log.Warnf("secured channel encountered unrecoverable framing error: %v", err)
		}
	})
}

func (c *Channel) handleDelivery(d framing.Delivery) {
	if d.OperationType == carlink.OperationDisconnect {
		c.mu.Lock()
		obs := append([]func(){}, c.disconnectObs...)
		c.mu.Unlock()
		for _, cb := range obs {
			cb()
		}
		return
	}

	plaintext, err := c.crypto.Decrypt(d.Payload)
	if err != nil {
		if c.log != nil {
			c.log.Warnf("secured channel dropped undecryptable delivery: %v", err)
		}
		return
	}

	switch d.OperationType {
	case carlink.OperationQuery:
		c.handleQuery(d.Recipient, plaintext)
	case carlink.OperationQueryResponse:
		c.handleQueryResponse(plaintext)
	default:
		c.handleMessage(d.Recipient, plaintext)
	}
}

func (c *Channel) handleMessage(recipient carlink.RecipientUUID, payload []byte) {
	c.mu.Lock()
	cb, ok := c.messageObs[recipient]
	if !ok {
		c.appendMissedMessage(recipient, payload)
	}
	c.mu.Unlock()

	if ok {
		cb(payload)
	}
}

func (c *Channel) appendMissedMessage(recipient carlink.RecipientUUID, payload []byte) {
	buf := c.missedMessages[recipient]
	if len(buf) >= c.missedCap {
		if c.log != nil {
			c.log.Warnf("secured channel dropping oldest missed message for recipient %s: buffer full (%d)", recipient, c.missedCap)
		}
		buf = buf[1:]
	}
	c.missedMessages[recipient] = append(buf, payload)
}

func (c *Channel) handleQuery(recipient carlink.RecipientUUID, payload []byte) {
	var q wire.Query
	if err := q.Unmarshal(payload); err != nil {
		if c.log != nil {
			c.log.Warnf("secured channel dropped malformed query: %v", err)
		}
		return
	}

	c.mu.Lock()
	cb, ok := c.queryObs[recipient]
	if !ok {
		buf := c.missedQueries[recipient]
		if len(buf) >= c.missedCap {
			if c.log != nil {
				c.log.Warnf("secured channel dropping oldest missed query for recipient %s: buffer full (%d)", recipient, c.missedCap)
			}
			buf = buf[1:]
		}
		c.missedQueries[recipient] = append(buf, q)
	}
	c.mu.Unlock()

	if ok {
		c.invokeQueryObserver(recipient, cb, q)
	}
}

func (c *Channel) handleQueryResponse(payload []byte) {
	var resp wire.QueryResponse
	if err := resp.Unmarshal(payload); err != nil {
		if c.log != nil {
			c.log.Warnf("secured channel dropped malformed query response: %v", err)
		}
		return
	}

	c.mu.Lock()
	cb, ok := c.pendingQueries[resp.ID]
	if ok {
		delete(c.pendingQueries, resp.ID)
	}
	c.mu.Unlock()

	if ok {
		cb(resp)
	} else if c.log != nil {
		c.log.Tracef("secured channel dropped query response with unknown id %d", resp.ID)
	}
}

