package wire

import "errors"

// TrustedDeviceMessageType tags the trusted-device enrollment/unlock
// sub-protocol messages: a one-byte enum tag
// followed by an optional payload, sent as an operationType=clientMessage
// payload to the trusted-device recipient.
type TrustedDeviceMessageType byte

const (
	TrustedDeviceStartEnrollment   TrustedDeviceMessageType = 0
	TrustedDeviceEscrowToken       TrustedDeviceMessageType = 1
	TrustedDeviceHandle            TrustedDeviceMessageType = 2
	TrustedDeviceAck               TrustedDeviceMessageType = 3
	TrustedDeviceUnlockCredentials TrustedDeviceMessageType = 4
	TrustedDeviceErrorMessage      TrustedDeviceMessageType = 5
	TrustedDeviceStateSync         TrustedDeviceMessageType = 6
)

// TrustedDeviceErrorCode is the payload of a TrustedDeviceErrorMessage.
type TrustedDeviceErrorCode byte

const (
	TrustedDeviceErrorDeviceNotSecured  TrustedDeviceErrorCode = 0
	TrustedDeviceErrorDeviceLocked      TrustedDeviceErrorCode = 1
	TrustedDeviceErrorCannotStoreHandle TrustedDeviceErrorCode = 2
)

// ErrMalformedTrustedDeviceMessage is returned when a trusted-device
// message cannot be decoded.
var ErrMalformedTrustedDeviceMessage = errors.New("wire: malformed trusted-device message")

// TrustedDeviceMessage is one enrollment/unlock sub-protocol message.
type TrustedDeviceMessage struct {
	Type    TrustedDeviceMessageType
	Payload []byte
}

// Marshal encodes m as a one-byte tag followed by its payload.
func (m TrustedDeviceMessage) Marshal() []byte {
	out := make([]byte, 1+len(m.Payload))
	out[0] = byte(m.Type)
	copy(out[1:], m.Payload)
	return out
}

// UnmarshalTrustedDeviceMessage decodes data into a TrustedDeviceMessage.
func UnmarshalTrustedDeviceMessage(data []byte) (TrustedDeviceMessage, error) {
	if len(data) == 0 {
		return TrustedDeviceMessage{}, ErrMalformedTrustedDeviceMessage
	}
	return TrustedDeviceMessage{
		Type:    TrustedDeviceMessageType(data[0]),
		Payload: append([]byte(nil), data[1:]...),
	}, nil
}

// EncodeUnlockCredentials encodes the escrow token and handle as a single
// payload: a two-byte big-endian length prefix for escrowToken followed by
// escrowToken, then handle occupying the remainder.
func EncodeUnlockCredentials(escrowToken, handle []byte) []byte {
	out := make([]byte, 2+len(escrowToken)+len(handle))
	out[0] = byte(len(escrowToken) >> 8)
	out[1] = byte(len(escrowToken))
	copy(out[2:], escrowToken)
	copy(out[2+len(escrowToken):], handle)
	return out
}

// DecodeUnlockCredentials reverses EncodeUnlockCredentials.
func DecodeUnlockCredentials(payload []byte) (escrowToken, handle []byte, err error) {
	if len(payload) < 2 {
		return nil, nil, ErrMalformedTrustedDeviceMessage
	}
	tokenLen := int(payload[0])<<8 | int(payload[1])
	if len(payload) < 2+tokenLen {
		return nil, nil, ErrMalformedTrustedDeviceMessage
	}
	escrowToken = append([]byte(nil), payload[2:2+tokenLen]...)
	handle = append([]byte(nil), payload[2+tokenLen:]...)
	return escrowToken, handle, nil
}
