package framing

import "github.com/go-carlink/carlink/pkg/carlink"

// MessageIDGenerator is a per-framing-instance counter (each V2 owns one) that
// hands out messageId values starting at 0 and wrapping to 0 after
// carlink.MaxMessageID. It is not safe for concurrent
// use; callers must serialize access, which V2's single writer mutex
// already does.
type MessageIDGenerator struct {
	next int32
}

// Next returns the generator's current value, then advances it.
func (g *MessageIDGenerator) Next() int32 {
	v := g.next
	if g.next >= carlink.MaxMessageID {
		g.next = 0
	} else {
		g.next++
	}
	return v
}
