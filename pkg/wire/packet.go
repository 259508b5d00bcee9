// Package wire implements the protobuf-wire-format messages exchanged over
// BLE: the per-packet framing unit and the pre-handshake version exchange.
// Both are encoded with google.golang.org/protobuf/encoding/protowire
// directly, without a generated .proto binding, so the module has no
// protoc build step.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Packet field numbers, chosen to match the companion protocol's Packet
// proto.
const (
	packetFieldMessageID     = 1
	packetFieldPacketNumber  = 2
	packetFieldTotalPackets  = 3
	packetFieldPayload       = 4
	packetFieldOriginalSize  = 5
	packetFieldOperationType = 6
	packetFieldRecipient     = 7
)

// ErrMalformedPacket is returned when Packet.Unmarshal cannot parse data as
// a well-formed protobuf-wire message.
var ErrMalformedPacket = errors.New("wire: malformed packet")

// Packet is the BLE wire unit: a chunk of a larger message, identified
// by messageId and its position among totalPackets.
type Packet struct {
	MessageID     int32
	PacketNumber  int32
	TotalPackets  int32
	Payload       []byte
	OriginalSize  int32 // 0 means "not present" (uncompressed payload)
	OperationType int32 // only meaningful on the final packet
	Recipient     string
}

// HasOriginalSize reports whether the packet carries a non-zero original
// size, i.e. the reassembled payload is compressed.
func (p *Packet) HasOriginalSize() bool {
	return p.OriginalSize > 0
}

// Marshal encodes p as a protobuf-wire message.
func (p *Packet) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, packetFieldMessageID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(p.MessageID)))

	buf = protowire.AppendTag(buf, packetFieldPacketNumber, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(p.PacketNumber)))

	buf = protowire.AppendTag(buf, packetFieldTotalPackets, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(p.TotalPackets)))

	if len(p.Payload) > 0 {
		buf = protowire.AppendTag(buf, packetFieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, p.Payload)
	}

	if p.OriginalSize > 0 {
		buf = protowire.AppendTag(buf, packetFieldOriginalSize, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(int64(p.OriginalSize)))
	}

	if p.OperationType != 0 {
		buf = protowire.AppendTag(buf, packetFieldOperationType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(int64(p.OperationType)))
	}

	if p.Recipient != "" {
		buf = protowire.AppendTag(buf, packetFieldRecipient, protowire.BytesType)
		buf = protowire.AppendString(buf, p.Recipient)
	}

	return buf
}

// Unmarshal decodes data into p, overwriting its fields.
func (p *Packet) Unmarshal(data []byte) error {
	*p = Packet{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedPacket, protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case packetFieldMessageID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformedPacket
			}
			p.MessageID = int32(int64(v))
			data = data[n:]
		case packetFieldPacketNumber:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformedPacket
			}
			p.PacketNumber = int32(int64(v))
			data = data[n:]
		case packetFieldTotalPackets:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformedPacket
			}
			p.TotalPackets = int32(int64(v))
			data = data[n:]
		case packetFieldPayload:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ErrMalformedPacket
			}
			p.Payload = append([]byte(nil), v...)
			data = data[n:]
		case packetFieldOriginalSize:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformedPacket
			}
			p.OriginalSize = int32(int64(v))
			data = data[n:]
		case packetFieldOperationType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformedPacket
			}
			p.OperationType = int32(int64(v))
			data = data[n:]
		case packetFieldRecipient:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ErrMalformedPacket
			}
			p.Recipient = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return ErrMalformedPacket
			}
			data = data[n:]
		}
	}

	return nil
}
