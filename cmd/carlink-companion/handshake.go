package main

import (
	"context"

	"github.com/go-carlink/carlink/pkg/handshake"
)

// xorSessionContext is a toy stand-in for the real out-of-tree key
// exchange (UKey2 or similar) this module treats as an external
// dependency: a fixed-key XOR "cipher", good enough to demonstrate the
// encrypt/decrypt/save seam the rest of the stack depends on without
// shipping real cryptography in a demo binary.
type xorSessionContext struct {
	key []byte
}

func xorWithKey(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out
}

func (s *xorSessionContext) Encrypt(plaintext []byte) ([]byte, error) {
	return xorWithKey(plaintext, s.key), nil
}

func (s *xorSessionContext) Decrypt(ciphertext []byte) ([]byte, error) {
	return xorWithKey(ciphertext, s.key), nil
}

func (s *xorSessionContext) Save() ([]byte, error) {
	return append([]byte(nil), s.key...), nil
}

var _ handshake.SessionContext = (*xorSessionContext)(nil)

// xorLoader reconstructs an xorSessionContext from the key saved at
// association time, for ReconnectionSM to resume.
type xorLoader struct{}

func (xorLoader) Load(data []byte) (handshake.SessionContext, error) {
	return &xorSessionContext{key: data}, nil
}

var _ handshake.Loader = xorLoader{}

// demoHandshake is a minimal Handshake: one round trip (hello/helloAck),
// then a single pairing-code verification step that the phone side
// self-confirms. It mirrors the shape the association/reconnection test
// suites use to exercise AssociationSM without a real key-exchange
// implementation.
type demoHandshake struct {
	key         []byte
	pairingCode string
}

func (h *demoHandshake) Start(ctx context.Context) ([]byte, error) {
	return []byte("hello"), nil
}

func (h *demoHandshake) HandleMessage(ctx context.Context, msg []byte) (out []byte, requiresVerification bool, done bool, err error) {
	return nil, true, false, nil
}

func (h *demoHandshake) ConfirmVerification(ctx context.Context) (out []byte, done bool, err error) {
	return []byte("confirmAck"), true, nil
}

func (h *demoHandshake) PairingCode() (string, error) {
	return h.pairingCode, nil
}

func (h *demoHandshake) SessionContext() (handshake.SessionContext, error) {
	return &xorSessionContext{key: h.key}, nil
}

var _ handshake.Handshake = (*demoHandshake)(nil)
