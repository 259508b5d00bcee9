package securedchannel

import "errors"

// ErrObserverAlreadyRegistered is returned by ObserveMessageReceived /
// ObserveQueryReceived when a recipient already has an active observer of
// that kind.
var ErrObserverAlreadyRegistered = errors.New("securedchannel: observer already registered for recipient")

// ErrInvalidChannel is returned by WriteEncrypted / SendQuery /
// SendQueryResponse once the channel's underlying transport is no longer
// connected.
var ErrInvalidChannel = errors.New("securedchannel: channel is no longer connected")
