package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// VersionExchange field numbers.
const (
	versionFieldMinMessagingVersion = 1
	versionFieldMaxMessagingVersion = 2
	versionFieldMinSecurityVersion  = 3
	versionFieldMaxSecurityVersion  = 4
)

// ErrMalformedVersionExchange is returned by VersionExchange.Unmarshal when
// data cannot be parsed as a well-formed protobuf-wire message.
var ErrMalformedVersionExchange = errors.New("wire: malformed version exchange")

// VersionExchange is the first message exchanged on a new connection,
// advertising the supported messaging and security version ranges.
type VersionExchange struct {
	MinMessagingVersion int32
	MaxMessagingVersion int32
	MinSecurityVersion  int32
	MaxSecurityVersion  int32
}

// Marshal encodes v as a protobuf-wire message.
func (v *VersionExchange) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, versionFieldMinMessagingVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(v.MinMessagingVersion)))
	buf = protowire.AppendTag(buf, versionFieldMaxMessagingVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(v.MaxMessagingVersion)))
	buf = protowire.AppendTag(buf, versionFieldMinSecurityVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(v.MinSecurityVersion)))
	buf = protowire.AppendTag(buf, versionFieldMaxSecurityVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(v.MaxSecurityVersion)))
	return buf
}

// Unmarshal decodes data into v, overwriting its fields.
func (v *VersionExchange) Unmarshal(data []byte) error {
	*v = VersionExchange{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedVersionExchange, protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case versionFieldMinMessagingVersion:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformedVersionExchange
			}
			v.MinMessagingVersion = int32(int64(val))
			data = data[n:]
		case versionFieldMaxMessagingVersion:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformedVersionExchange
			}
			v.MaxMessagingVersion = int32(int64(val))
			data = data[n:]
		case versionFieldMinSecurityVersion:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformedVersionExchange
			}
			v.MinSecurityVersion = int32(int64(val))
			data = data[n:]
		case versionFieldMaxSecurityVersion:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformedVersionExchange
			}
			v.MaxSecurityVersion = int32(int64(val))
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return ErrMalformedVersionExchange
			}
			data = data[n:]
		}
	}

	return nil
}
