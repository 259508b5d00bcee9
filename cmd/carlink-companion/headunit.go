package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-carlink/carlink/pkg/carlink"
	"github.com/go-carlink/carlink/pkg/crypto"
	"github.com/go-carlink/carlink/pkg/framing"
	"github.com/go-carlink/carlink/pkg/transport"
	"github.com/go-carlink/carlink/pkg/wire"
)

// headUnit plays the vehicle's half of the protocol over one simulated
// Link, standing in for the BLE peripheral this module never implements.
// It pins security version 2 (encryption-first, no capabilities, no
// out-of-band verification) to keep the demo legible.
type headUnit struct {
	link    transport.Link
	carID   [16]byte
	timeout time.Duration
}

func newHeadUnit(link transport.Link, carID [16]byte) *headUnit {
	return &headUnit{link: link, carID: carID, timeout: 5 * time.Second}
}

func (h *headUnit) negotiateVersion() (compression bool, err error) {
	p := framing.NewPassthrough(h.link)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	var client wire.VersionExchange
	select {
	case d := <-p.Deliveries():
		if err := client.Unmarshal(d.Payload); err != nil {
			return false, fmt.Errorf("head unit: decode version exchange: %w", err)
		}
	case <-ctx.Done():
		return false, fmt.Errorf("head unit: timed out awaiting version exchange")
	}

	ours := &wire.VersionExchange{
		MinMessagingVersion: 2,
		MaxMessagingVersion: 2,
		MinSecurityVersion:  1,
		MaxSecurityVersion:  2,
	}
	if err := p.Write(ctx, ours.Marshal(), 0, ""); err != nil {
		return false, fmt.Errorf("head unit: write version exchange: %w", err)
	}
	return false, nil // MaxMessagingVersion 2 never resolves to compression.
}

func (h *headUnit) await(ctx context.Context, stream framing.Stream) ([]byte, error) {
	select {
	case d, ok := <-stream.Deliveries():
		if !ok {
			return nil, fmt.Errorf("head unit: stream closed")
		}
		return d.Payload, nil
	case err := <-stream.Errors():
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runAssociation plays the V2 association flow: hello-ack, the confirm
// signal, the car id, then the phone's encrypted device-id||auth-key
// payload, returned decrypted so the caller can replay the same auth key
// against ReconnectionSM later.
func (h *headUnit) runAssociation(compression bool, key []byte) (deviceID, authKey []byte, err error) {
	stream := framing.NewV2(h.link, compression)
	defer stream.Close()
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if _, err := h.await(ctx, stream); err != nil { // "hello"
		return nil, nil, fmt.Errorf("head unit: await hello: %w", err)
	}
	if err := stream.Write(ctx, []byte("helloAck"), carlink.OperationEncryptionHandshake, carlink.DefaultRecipientUUID); err != nil {
		return nil, nil, err
	}

	if _, err := h.await(ctx, stream); err != nil { // "confirmAck": handshake complete
		return nil, nil, fmt.Errorf("head unit: await confirm: %w", err)
	}

	if err := stream.Write(ctx, xorWithKey(h.carID[:], key), carlink.OperationClientMessage, carlink.DefaultRecipientUUID); err != nil {
		return nil, nil, err
	}

	final, err := h.await(ctx, stream)
	if err != nil {
		return nil, nil, fmt.Errorf("head unit: await device-id||auth-key: %w", err)
	}
	plaintext := xorWithKey(final, key)
	return plaintext[:len(plaintext)-32], plaintext[len(plaintext)-32:], nil
}

// runReconnection plays the HMAC-challenge reconnection shared by V2+:
// prove possession of authKey over the phone's random challenge. The
// returned Stream stays open past the handshake so serveTrustedDevice
// can keep answering over it, mirroring how SecuredChannel keeps using
// the same Stream ReconnectionSM established.
func (h *headUnit) runReconnection(compression bool, authKey []byte) (framing.Stream, error) {
	stream := framing.NewV2(h.link, compression)
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	challenge, err := h.await(ctx, stream)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("head unit: await challenge: %w", err)
	}
	response := crypto.HMACSHA256Slice(authKey, challenge)
	if err := stream.Write(ctx, response, carlink.OperationClientMessage, carlink.DefaultRecipientUUID); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

// serveTrustedDevice plays the vehicle's side of pkg/trusteddevice over
// stream, encrypted under key: answer whatever escrow token the phone
// offers with a fixed handle (the token itself is not kept), then Ack
// the next unlock credential and return.
func (h *headUnit) serveTrustedDevice(stream framing.Stream, key []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	for {
		ciphertext, err := h.await(ctx, stream)
		if err != nil {
			return fmt.Errorf("head unit: trusted-device await: %w", err)
		}
		msg, err := wire.UnmarshalTrustedDeviceMessage(xorWithKey(ciphertext, key))
		if err != nil {
			return fmt.Errorf("head unit: trusted-device decode: %w", err)
		}

		var reply wire.TrustedDeviceMessage
		switch msg.Type {
		case wire.TrustedDeviceEscrowToken:
			reply = wire.TrustedDeviceMessage{Type: wire.TrustedDeviceHandle, Payload: []byte("head-unit-issued-handle")}
		case wire.TrustedDeviceUnlockCredentials:
			reply = wire.TrustedDeviceMessage{Type: wire.TrustedDeviceAck}
		default:
			return fmt.Errorf("head unit: unexpected trusted-device message type %d", msg.Type)
		}

		ciphertextOut := xorWithKey(reply.Marshal(), key)
		if err := stream.Write(ctx, ciphertextOut, carlink.OperationClientMessage, carlink.TrustedDeviceRecipientUUID); err != nil {
			return err
		}
		if reply.Type == wire.TrustedDeviceAck {
			return nil
		}
	}
}
