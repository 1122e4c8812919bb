// Package apperr classifies engine-facing errors by disposition, so
// the retry wrapper and the engine's outer tick boundary can branch on
// error kind without parsing strings.
package apperr

import "errors"

// Kind is the disposition bucket an error belongs to.
type Kind int

const (
	// KindTransient covers connection resets, timeouts, 5xx responses,
	// and rate limiting. Retried per the Retry Wrapper, then the
	// current tick step is skipped.
	KindTransient Kind = iota
	// KindAuth covers bad API keys and signature failures. Fatal to
	// the engine: it stops and marks the bot stopped.
	KindAuth
	// KindInvariant covers input invariant violations (zero fill,
	// unknown symbol). Non-fatal: the current operation aborts,
	// counters are left unchanged, the tick continues.
	KindInvariant
	// KindPersistence covers storage failures. Propagates out of the
	// tick; the engine stops.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindInvariant:
		return "invariant"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a disposition Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) *Error  { return New(KindTransient, op, err) }
func Auth(op string, err error) *Error       { return New(KindAuth, op, err) }
func Invariant(op string, err error) *Error  { return New(KindInvariant, op, err) }
func Persistence(op string, err error) *Error { return New(KindPersistence, op, err) }

// Is reports whether err (or anything it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
