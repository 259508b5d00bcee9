// Package featurehost dispatches secured-channel traffic to per-feature
// handlers keyed by a fixed recipient UUID, and hosts the built-in system
// feature that answers deviceName/appName/isFeatureSupported queries and
// asks the car for the phone's user role.
package featurehost

import (
	"context"

	"github.com/go-carlink/carlink/pkg/carlink"
	"github.com/go-carlink/carlink/pkg/wire"
)

// Car identifies the associated vehicle a lifecycle callback concerns.
// CarID is the persisted carstore key; Name is the persisted display name.
type Car struct {
	CarID string
	Name  string
}

// ResponseHandle lets a Feature answer a query it was invoked with.
type ResponseHandle func(ctx context.Context, resp wire.QueryResponse) error

// Feature is the per-feature lifecycle/message interface. Every method
// except RecipientUUID is optional: implementations may embed
// UnimplementedFeature to only override the callbacks they care about.
type Feature interface {
	// RecipientUUID is the fixed UUID this feature is dispatched under.
	RecipientUUID() carlink.RecipientUUID

	OnCarConnected(car Car)
	OnSecureChannelEstablished(car Car)
	OnCarDisconnected(car Car)
	OnCarDisassociated(car Car)
	OnMessageReceived(msg []byte, car Car)
	OnQueryReceived(ctx context.Context, query wire.Query, car Car, respond ResponseHandle)
}

// UnimplementedFeature provides no-op defaults for Feature so concrete
// features only need to implement the callbacks they use.
type UnimplementedFeature struct{}

func (UnimplementedFeature) OnCarConnected(Car)                {}
func (UnimplementedFeature) OnSecureChannelEstablished(Car)     {}
func (UnimplementedFeature) OnCarDisconnected(Car)              {}
func (UnimplementedFeature) OnCarDisassociated(Car)             {}
func (UnimplementedFeature) OnMessageReceived([]byte, Car)      {}
func (UnimplementedFeature) OnQueryReceived(context.Context, wire.Query, Car, ResponseHandle) {}
