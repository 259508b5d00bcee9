package framing

import (
	"context"
	"sync"

	"github.com/go-carlink/carlink/pkg/carlink"
	"github.com/go-carlink/carlink/pkg/codec"
	"github.com/go-carlink/carlink/pkg/transport"
	"github.com/go-carlink/carlink/pkg/wire"
)

// HeaderOverhead is the reserved byte budget, per outgoing Packet, for
// every field besides the payload itself. The worst case is the final
// packet of a message, which carries every optional field: tag+varint
// for messageId/packetNumber/totalPackets (up to 6 bytes each), the
// payload field's own tag+length prefix (2 bytes), tag+varint for
// originalSize (6 bytes) and operationType (2 bytes), and tag+length+
// string for recipient, a 36-character UUID (38 bytes) — roughly 66
// bytes. Rounded up with headroom so a marshaled Packet never exceeds
// the link's MTU.
const HeaderOverhead = 96

// V2 is the chunked, optionally-compressed framing stream used for every
// message after the version exchange. Each message
// is split into Packet protobuf-wire writes no larger than the link's
// MTU; the reader reassembles by messageId, tolerating out-of-order
// packet arrival within a single in-flight message.
type V2 struct {
	link        transport.Link
	compression bool
	idGen       MessageIDGenerator

	writeMu sync.Mutex

	deliveries chan Delivery
	errs       chan error

	closeOnce sync.Once
	done      chan struct{}
}

// NewV2 wraps link in a V2 framing stream. compression enables the
// V2(true) variant: outgoing messages are zlib-compressed when doing so
// strictly reduces their size.
func NewV2(link transport.Link, compression bool) *V2 {
	v := &V2{
		link:        link,
		compression: compression,
		deliveries:  make(chan Delivery, 4),
		errs:        make(chan error, 1),
		done:        make(chan struct{}),
	}
	go v.readLoop()
	return v
}

// Write splits payload into Packet-framed chunks and writes them to the
// link in order, awaiting each write before starting the next. Concurrent
// Write calls are serialized by writeMu, a plain sync.Mutex: waiting
// callers are not guaranteed to acquire it in arrival order.
func (v *V2) Write(ctx context.Context, payload []byte, operationType carlink.OperationType, recipient carlink.RecipientUUID) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	select {
	case <-v.done:
		return ErrClosed
	default:
	}

	body := payload
	originalSize := int32(0)
	if v.compression {
		if compressed, err := codec.CompressAnnotated(payload); err == nil {
			body = compressed
			originalSize = int32(len(payload))
		}
		// Compression failures (ErrTooSmall, ErrNotSmaller) are not fatal:
		// we simply send uncompressed.
	}

	maxPayload := v.link.MTU() - HeaderOverhead
	if maxPayload <= 0 {
		maxPayload = 1
	}

	totalPackets := (len(body) + maxPayload - 1) / maxPayload
	if totalPackets == 0 {
		totalPackets = 1
	}

	messageID := v.idGen.Next()

	for i := 0; i < totalPackets; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(body) {
			end = len(body)
		}

		pkt := &wire.Packet{
			MessageID:    messageID,
			PacketNumber: int32(i + 1),
			TotalPackets: int32(totalPackets),
			Payload:      body[start:end],
		}
		if i == totalPackets-1 {
			pkt.OriginalSize = originalSize
			pkt.OperationType = int32(operationType)
			pkt.Recipient = string(recipient)
		}

		if err := v.link.Send(ctx, pkt.Marshal()); err != nil {
			return err
		}
	}

	return nil
}

func (v *V2) Deliveries() <-chan Delivery { return v.deliveries }

func (v *V2) Errors() <-chan error { return v.errs }

func (v *V2) Close() error {
	v.closeOnce.Do(func() { close(v.done) })
	return nil
}

// reassembly tracks the single in-progress incoming message for this
// stream's read direction.
type reassembly struct {
	messageID    int32
	totalPackets int32
	chunks       [][]byte
	received     int32
	originalSize int32
	opType       int32
	recipient    string
}

func (v *V2) readLoop() {
	var current *reassembly

	for {
		select {
		case raw, ok := <-v.link.Receive():
			if !ok {
				return
			}

			var pkt wire.Packet
			if err := pkt.Unmarshal(raw); err != nil {
				v.fail(ErrPacketNumberOutOfRange)
				return
			}

			if pkt.TotalPackets < 1 || pkt.PacketNumber < 1 || pkt.PacketNumber > pkt.TotalPackets {
				v.fail(ErrPacketNumberOutOfRange)
				return
			}

			if current == nil {
				current = &reassembly{
					messageID:    pkt.MessageID,
					totalPackets: pkt.TotalPackets,
					chunks:       make([][]byte, pkt.TotalPackets),
				}
			} else if current.messageID != pkt.MessageID || current.totalPackets != pkt.TotalPackets {
				v.fail(ErrConcurrentMessage)
				return
			}

			idx := pkt.PacketNumber - 1
			if current.chunks[idx] == nil {
				current.received++
			}
			current.chunks[idx] = pkt.Payload

			if pkt.PacketNumber == pkt.TotalPackets {
				current.originalSize = pkt.OriginalSize
				current.opType = pkt.OperationType
				current.recipient = pkt.Recipient
			}

			if current.received < current.totalPackets {
				continue
			}

			body := make([]byte, 0)
			for _, c := range current.chunks {
				body = append(body, c...)
			}

			if current.originalSize > 0 {
				decompressed, err := codec.DecompressAnnotated(body, int(current.originalSize))
				if err != nil {
					if err == codec.ErrSizeMismatch {
						v.fail(ErrReassemblySizeMismatch)
					} else {
						v.fail(ErrDecompressionFailure)
					}
					return
				}
				body = decompressed
			}

			delivery := Delivery{
				Payload:       body,
				OperationType: carlink.OperationType(current.opType),
				Recipient:     carlink.RecipientUUID(current.recipient),
			}
			current = nil

			select {
			case v.deliveries <- delivery:
			case <-v.done:
				return
			}

		case <-v.done:
			return
		}
	}
}

func (v *V2) fail(err error) {
	select {
	case v.errs <- err:
	default:
	}
}

var _ Stream = (*V2)(nil)
