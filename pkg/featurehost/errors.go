package featurehost

import "errors"

// ErrFeatureAlreadyRegistered is returned by Host.Register when a Feature
// is already registered under the same recipient UUID.
var ErrFeatureAlreadyRegistered = errors.New("featurehost: feature already registered for recipient")
