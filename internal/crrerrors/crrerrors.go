// Package crrerrors classifies engine errors into the taxonomy callers
// need to branch on without string matching.
package crrerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the five error categories the engine surfaces.
type Kind int

const (
	// KindSchema covers writes to a non-upgraded table or unknown PK
	// metadata; the statement is rejected.
	KindSchema Kind = iota
	// KindTransient covers constraint violations during replay; the
	// enclosing batch is rolled back, never partially applied.
	KindTransient
	// KindProtocol covers malformed or out-of-sequence push/pull
	// requests; surfaced as structured response statuses.
	KindProtocol
	// KindInvariant covers violations such as duplicate fractional-index
	// positions or an empty reconstructed row.
	KindInvariant
	// KindTransport covers failures of the underlying push/pull
	// transport; any open local transaction is rolled back.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindSchema:
		return "schema"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindInvariant:
		return "invariant"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches a Kind to err. It returns nil when err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf builds a Kind-tagged error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
