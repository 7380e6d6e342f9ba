// Package fracindex implements dense fractional order keys: strings that
// sort lexicographically and can always be split to produce a new key
// strictly between any two existing ones.
package fracindex

import (
	"errors"
	"strings"
)

// alphabet is chosen so that index order and ASCII byte order coincide
// (digits, then uppercase, then lowercase), which lets ordinary string
// comparison double as digit-rank comparison for any two real keys.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var (
	zero = alphabet[0]
	last = alphabet[len(alphabet)-1]
)

// Start and End are the sentinel arguments meaning "before any key" and
// "after any key" respectively. They are never themselves valid stored
// keys.
const (
	Start = "["
	End   = "]"
)

var (
	// ErrOrder is returned when a does not sort strictly before b.
	ErrOrder = errors.New("fracindex: a must sort strictly before b")
	// ErrTrailingZero is returned for a key with a meaningless trailing
	// zero digit, which would make two encodings of the same value
	// possible.
	ErrTrailingZero = errors.New("fracindex: key has a trailing zero digit")
)

func indexOf(c byte) int {
	return strings.IndexByte(alphabet, c)
}

// Compare orders two keys, honoring the Start/End sentinels.
func Compare(a, b string) int {
	if a == b {
		return 0
	}
	if a == Start || b == End {
		return -1
	}
	if a == End || b == Start {
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Mid returns a key strictly between a and b. a may be Start, b may be
// End; a and b must not both be sentinels of the same side and a must
// sort strictly before b (checked via Compare).
func Mid(a, b string) (string, error) {
	if Compare(a, b) >= 0 {
		return "", ErrOrder
	}
	var ap, bp *string
	if a != Start {
		if strings.HasSuffix(a, string(zero)) {
			return "", ErrTrailingZero
		}
		av := a
		ap = &av
	}
	if b != End {
		bv := b
		bp = &bv
	}
	mid := midpoint(ap, bp)
	return mid, nil
}

// midpoint is the classic base-N fractional-indexing midpoint algorithm:
// walk the common prefix, then split the first differing digit if there
// is room, otherwise recurse one digit deeper.
func midpoint(a, b *string) string {
	if b != nil {
		n := 0
		for n < len(*b) {
			var ac byte = zero
			if a != nil && n < len(*a) {
				ac = (*a)[n]
			}
			if ac != (*b)[n] {
				break
			}
			n++
		}
		if n > 0 {
			prefix := (*b)[:n]
			var aRest *string
			if a != nil && n < len(*a) {
				s := (*a)[n:]
				aRest = &s
			}
			bRest := (*b)[n:]
			return prefix + midpoint(aRest, &bRest)
		}
	}

	digitA := 0
	if a != nil && len(*a) > 0 {
		digitA = indexOf((*a)[0])
	}
	digitB := len(alphabet)
	if b != nil {
		digitB = indexOf((*b)[0])
	}

	if digitB-digitA > 1 {
		mid := (digitA + digitB) / 2
		return string(alphabet[mid])
	}

	if b != nil && len(*b) > 1 {
		return (*b)[:1]
	}

	var aRest *string
	if a != nil && len(*a) > 1 {
		s := (*a)[1:]
		aRest = &s
	}
	return string(alphabet[digitA]) + midpoint(aRest, nil)
}
