// Package handshake models the external key-exchange primitive used to
// bootstrap a secure session, and adapts an established session into the
// encrypt/decrypt operations the rest of the stack needs.
package handshake

import "context"

// SessionContext is the opaque, serializable secure-session state
// produced by a completed Handshake. Concrete implementations wrap
// whatever key-exchange primitive (e.g. UKey2) the embedding application
// supplies; this package only adapts the interface.
type SessionContext interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	Save() ([]byte, error)
}

// Loader reconstructs a SessionContext from bytes previously produced by
// SessionContext.Save, to resume a session across a reconnection.
type Loader interface {
	Load(data []byte) (SessionContext, error)
}

// VerificationCodeState declares which pairing-code confirmation
// mechanism a V4 association uses.
type VerificationCodeState int

const (
	// VerificationCodeVisual requires the user to confirm a displayed
	// pairing code.
	VerificationCodeVisual VerificationCodeState = iota
	// VerificationCodeOutOfBand verifies the pairing code automatically
	// using a token supplied by an OutOfBandTokenProvider.
	VerificationCodeOutOfBand
)

func (s VerificationCodeState) String() string {
	if s == VerificationCodeOutOfBand {
		return "outOfBand"
	}
	return "visual"
}

// Handshake models the initiator role of the external key-exchange
// primitive. AssociationSM drives it to completion before any encrypted
// traffic flows.
type Handshake interface {
	// Start begins the exchange, returning the first outbound message.
	Start(ctx context.Context) ([]byte, error)

	// HandleMessage processes one inbound handshake message. If the
	// handshake needs the user (or an out-of-band token) to confirm a
	// pairing code before it can proceed, requiresVerification reports
	// true and PairingCode becomes available.
	HandleMessage(ctx context.Context, msg []byte) (out []byte, requiresVerification bool, done bool, err error)

	// ConfirmVerification tells the handshake the pairing code was
	// accepted (visually or via an out-of-band token), allowing it to
	// proceed to completion.
	ConfirmVerification(ctx context.Context) (out []byte, done bool, err error)

	// PairingCode returns the human-verifiable pairing code. Valid only
	// once HandleMessage has reported requiresVerification.
	PairingCode() (string, error)

	// SessionContext returns the established session. Valid only once
	// the handshake has completed.
	SessionContext() (SessionContext, error)
}
