package handshake

import "fmt"

// CryptoFailure wraps the underlying reason a SessionCrypto operation
// failed, for diagnostics.
type CryptoFailure struct {
	Op     string
	Reason string
}

func (e *CryptoFailure) Error() string {
	return fmt.Sprintf("handshake: %s failed: %s", e.Op, e.Reason)
}

// SessionCrypto adapts an established SessionContext into the
// encrypt/decrypt operations used by AssociationSM, ReconnectionSM and
// SecuredChannel, and supports save/load for resumption across
// reconnections.
type SessionCrypto struct {
	ctx SessionContext
}

// NewSessionCrypto wraps an already-established SessionContext.
func NewSessionCrypto(ctx SessionContext) *SessionCrypto {
	return &SessionCrypto{ctx: ctx}
}

// LoadSessionCrypto reconstructs a SessionCrypto from bytes previously
// produced by Save, using loader to rebuild the underlying SessionContext.
func LoadSessionCrypto(loader Loader, data []byte) (*SessionCrypto, error) {
	ctx, err := loader.Load(data)
	if err != nil {
		return nil, &CryptoFailure{Op: "load", Reason: err.Error()}
	}
	return &SessionCrypto{ctx: ctx}, nil
}

// Encrypt encrypts plaintext under the wrapped session.
func (s *SessionCrypto) Encrypt(plaintext []byte) ([]byte, error) {
	ct, err := s.ctx.Encrypt(plaintext)
	if err != nil {
		return nil, &CryptoFailure{Op: "encrypt", Reason: err.Error()}
	}
	return ct, nil
}

// Decrypt decrypts ciphertext under the wrapped session.
func (s *SessionCrypto) Decrypt(ciphertext []byte) ([]byte, error) {
	pt, err := s.ctx.Decrypt(ciphertext)
	if err != nil {
		return nil, &CryptoFailure{Op: "decrypt", Reason: err.Error()}
	}
	return pt, nil
}

// Save serializes the underlying session for later resumption.
func (s *SessionCrypto) Save() ([]byte, error) {
	data, err := s.ctx.Save()
	if err != nil {
		return nil, &CryptoFailure{Op: "save", Reason: err.Error()}
	}
	return data, nil
}
