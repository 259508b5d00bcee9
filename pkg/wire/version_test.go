package wire

import "testing"

func TestVersionExchangeRoundtrip(t *testing.T) {
	v := &VersionExchange{
		MinMessagingVersion: 2,
		MaxMessagingVersion: 3,
		MinSecurityVersion:  1,
		MaxSecurityVersion:  4,
	}

	data := v.Marshal()

	var got VersionExchange
	if err := got.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if got != *v {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, *v)
	}
}

func TestVersionExchangeUnmarshalMalformed(t *testing.T) {
	if err := (&VersionExchange{}).Unmarshal([]byte{0xff}); err == nil {
		t.Fatalf("expected error for malformed input")
	}
}
