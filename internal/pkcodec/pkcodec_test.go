package pkcodec

import (
	"reflect"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]string{
		{"1"},
		{"a", "b", "c"},
		{"42", "2024-01-01"},
	}
	for _, vals := range cases {
		enc := Encode(vals...)
		dec := Decode(enc)
		if !reflect.DeepEqual(dec, vals) {
			t.Fatalf("round trip mismatch: %v -> %q -> %v", vals, enc, dec)
		}
	}
}

func TestEncodeJoinsWithPipe(t *testing.T) {
	if got := Encode("a", "b"); got != "a|b" {
		t.Fatalf("got %q", got)
	}
}
