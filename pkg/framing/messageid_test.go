package framing

import (
	"testing"

	"github.com/go-carlink/carlink/pkg/carlink"
)

func TestMessageIDGeneratorIncrementsFromZero(t *testing.T) {
	var g MessageIDGenerator
	if v := g.Next(); v != 0 {
		t.Fatalf("first Next() = %d, want 0", v)
	}
	if v := g.Next(); v != 1 {
		t.Fatalf("second Next() = %d, want 1", v)
	}
}

func TestMessageIDGeneratorWrapsAtMax(t *testing.T) {
	g := MessageIDGenerator{next: carlink.MaxMessageID}
	if v := g.Next(); v != carlink.MaxMessageID {
		t.Fatalf("Next() = %d, want %d", v, carlink.MaxMessageID)
	}
	if v := g.Next(); v != 0 {
		t.Fatalf("Next() after wrap = %d, want 0", v)
	}
}
