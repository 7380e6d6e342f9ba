package hlc

import (
	"testing"
)

func withFixedNow(ms int64, fn func()) {
	old := NowFunc
	NowFunc = func() int64 { return ms }
	defer func() { NowFunc = old }()
	fn()
}

func TestSendMonotone(t *testing.T) {
	withFixedNow(1000, func() {
		c := New()
		s1 := c.Send()
		s2 := c.Send()
		if Compare(s2.Encode(), s1.Encode()) <= 0 {
			t.Fatalf("expected s2 > s1, got %s vs %s", s2.Encode(), s1.Encode())
		}
	})
}

func TestSendAdvancesWithPhysicalTime(t *testing.T) {
	c := &Clock{pt: 1000, lt: 5}
	withFixedNow(2000, func() {
		s := c.Send()
		if s.PT != 2000 || s.LT != 0 {
			t.Fatalf("expected (2000,0), got (%d,%d)", s.PT, s.LT)
		}
	})
}

func TestReceiveDominatesBoth(t *testing.T) {
	c := &Clock{pt: 1000, lt: 3}
	withFixedNow(1000, func() {
		got := c.Receive(Stamp{PT: 1000, LT: 7})
		if got.PT != 1000 || got.LT != 8 {
			t.Fatalf("expected (1000,8), got (%d,%d)", got.PT, got.LT)
		}
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, s := range []Stamp{{0, 0}, {123456, 7}, {999999999, 999999}} {
		enc := s.Encode()
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("decode %q: %v", enc, err)
		}
		if dec != s {
			t.Fatalf("round trip mismatch: %+v -> %q -> %+v", s, enc, dec)
		}
		if dec.Encode() != enc {
			t.Fatalf("re-encode mismatch: %q != %q", dec.Encode(), enc)
		}
	}
}

func TestEncodeSortsLikeTuple(t *testing.T) {
	a := Stamp{PT: 100, LT: 5}
	b := Stamp{PT: 100, LT: 6}
	c := Stamp{PT: 101, LT: 0}
	if Compare(a.Encode(), b.Encode()) >= 0 {
		t.Fatal("expected a < b")
	}
	if Compare(b.Encode(), c.Encode()) >= 0 {
		t.Fatal("expected b < c")
	}
}
