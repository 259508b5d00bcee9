package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Query field numbers. ID is the sender-allocated queryId that the responder must echo back in the matching QueryResponse; it
// travels on the wire alongside the request even though the data model's
// prose only calls it out on QueryResponse.
const (
	queryFieldID         = 1
	queryFieldRequest    = 2
	queryFieldParameters = 3
)

// Query is the request half of the secured-channel query/response
// exchange.
type Query struct {
	ID         int32
	Request    []byte
	Parameters []byte
}

// Marshal encodes q as a protobuf-wire message.
func (q *Query) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, queryFieldID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(q.ID)))

	buf = protowire.AppendTag(buf, queryFieldRequest, protowire.BytesType)
	buf = protowire.AppendBytes(buf, q.Request)
	if len(q.Parameters) > 0 {
		buf = protowire.AppendTag(buf, queryFieldParameters, protowire.BytesType)
		buf = protowire.AppendBytes(buf, q.Parameters)
	}
	return buf
}

// Unmarshal decodes data into q, overwriting its fields.
func (q *Query) Unmarshal(data []byte) error {
	*q = Query{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformedPacket
		}
		data = data[n:]
		switch num {
		case queryFieldID:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformedPacket
			}
			q.ID = int32(val)
			data = data[n:]
		case queryFieldRequest:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ErrMalformedPacket
			}
			q.Request = append([]byte(nil), val...)
			data = data[n:]
		case queryFieldParameters:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ErrMalformedPacket
			}
			q.Parameters = append([]byte(nil), val...)
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

// QueryResponse field numbers.
const (
	queryResponseFieldID            = 1
	queryResponseFieldIsSuccessful   = 2
	queryResponseFieldResponse       = 3
)

// QueryResponse is the response half of the secured-channel query/response
// exchange. ID matches the Query.ID that triggered it.
type QueryResponse struct {
	ID            int32
	IsSuccessful  bool
	Response      []byte
}

// Marshal encodes r as a protobuf-wire message.
func (r *QueryResponse) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, queryResponseFieldID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(r.ID)))

	buf = protowire.AppendTag(buf, queryResponseFieldIsSuccessful, protowire.VarintType)
	v := uint64(0)
	if r.IsSuccessful {
		v = 1
	}
	buf = protowire.AppendVarint(buf, v)

	if len(r.Response) > 0 {
		buf = protowire.AppendTag(buf, queryResponseFieldResponse, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.Response)
	}
	return buf
}

// Unmarshal decodes data into r, overwriting its fields.
func (r *QueryResponse) Unmarshal(data []byte) error {
	*r = QueryResponse{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ErrMalformedPacket
		}
		data = data[n:]
		switch num {
		case queryResponseFieldID:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformedPacket
			}
			r.ID = int32(val)
			data = data[n:]
		case queryResponseFieldIsSuccessful:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ErrMalformedPacket
			}
			r.IsSuccessful = val != 0
			data = data[n:]
		case queryResponseFieldResponse:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ErrMalformedPacket
			}
			r.Response = append([]byte(nil), val...)
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
