package featurehost

import (
	"context"
	"sync"

	"github.com/pion/logging"

	"github.com/go-carlink/carlink/pkg/carlink"
	"github.com/go-carlink/carlink/pkg/securedchannel"
	"github.com/go-carlink/carlink/pkg/wire"
)

// Host owns one secured channel for one connected car and dispatches its
// traffic to the Features registered under each recipient UUID.
type Host struct {
	channel *securedchannel.Channel
	car     Car
	log     logging.LeveledLogger

	mu       sync.Mutex
	features map[carlink.RecipientUUID]Feature
	handles  map[carlink.RecipientUUID][2]*securedchannel.ObservationHandle
}

// New returns a Host dispatching channel's traffic for car. Callers should
// call NotifyConnected once the peripheral connects and Register for each
// feature once the channel is ready to receive observers.
func New(channel *securedchannel.Channel, car Car, loggerFactory logging.LoggerFactory) *Host {
	h := &Host{
		channel:  channel,
		car:      car,
		features: make(map[carlink.RecipientUUID]Feature),
		handles:  make(map[carlink.RecipientUUID][2]*securedchannel.ObservationHandle),
	}
	if loggerFactory != nil {
		h.log = loggerFactory.NewLogger("featurehost")
	}
	return h
}

// IsFeatureSupported reports whether a Feature is registered under id.
func (h *Host) IsFeatureSupported(id carlink.RecipientUUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.features[id]
	return ok
}

// Register wires f's recipient UUID to the secured channel's message and
// query observers and immediately invokes OnSecureChannelEstablished.
func (h *Host) Register(f Feature) error {
	recipient := f.RecipientUUID()

	h.mu.Lock()
	if _, exists := h.features[recipient]; exists {
		h.mu.Unlock()
		return ErrFeatureAlreadyRegistered
	}
	h.features[recipient] = f
	h.mu.Unlock()

	msgHandle, err := h.channel.ObserveMessageReceived(recipient, func(payload []byte) {
		f.OnMessageReceived(payload, h.car)
	})
	if err != nil {
		h.mu.Lock()
		delete(h.features, recipient)
		h.mu.Unlock()
		return err
	}

	queryHandle, err := h.channel.ObserveQueryReceived(recipient, func(req wire.Query, respond securedchannel.ResponseHandle) {
		f.OnQueryReceived(context.Background(), req, h.car, ResponseHandle(respond))
	})
	if err != nil {
		msgHandle.Cancel()
		h.mu.Lock()
		delete(h.features, recipient)
		h.mu.Unlock()
		return err
	}

	h.mu.Lock()
	h.handles[recipient] = [2]*securedchannel.ObservationHandle{msgHandle, queryHandle}
	h.mu.Unlock()

	f.OnSecureChannelEstablished(h.car)
	return nil
}

// Unregister cancels recipient's observers without notifying other
// features. Used when a single feature is torn down independent of the
// whole channel (e.g. disassociation clearing trusted-device state).
func (h *Host) Unregister(recipient carlink.RecipientUUID) {
	h.mu.Lock()
	handles, ok := h.handles[recipient]
	delete(h.handles, recipient)
	delete(h.features, recipient)
	h.mu.Unlock()
	if ok {
		handles[0].Cancel()
		handles[1].Cancel()
	}
}

// NotifyConnected broadcasts OnCarConnected to every registered feature.
func (h *Host) NotifyConnected() {
	for _, f := range h.snapshot() {
		f.OnCarConnected(h.car)
	}
}

// NotifyDisconnected broadcasts OnCarDisconnected to every registered
// feature.
func (h *Host) NotifyDisconnected() {
	for _, f := range h.snapshot() {
		f.OnCarDisconnected(h.car)
	}
}

// NotifyDisassociated broadcasts OnCarDisassociated to every registered
// feature.
func (h *Host) NotifyDisassociated() {
	for _, f := range h.snapshot() {
		f.OnCarDisassociated(h.car)
	}
}

func (h *Host) snapshot() []Feature {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Feature, 0, len(h.features))
	for _, f := range h.features {
		out = append(out, f)
	}
	return out
}
