package apply

import "github.com/untoldecay/crrsync/internal/changelog"

// Wins implements §4.5.1: a wins over b iff a.created_at > b.created_at,
// with value compared lexicographically as a tiebreak, then an
// unconditional true fallback so the incoming change always wins when
// nothing else distinguishes it from the prior row.
func Wins(a, b changelog.Change) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	if a.Value != b.Value {
		return a.Value > b.Value
	}
	return true
}
