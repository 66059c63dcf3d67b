// Package errs defines the error taxonomy shared by every layer of the
// tile cache: one sum type per layer, per the re-architecture note in
// SPEC_FULL.md §9 ("unify into one sum type per layer with explicit
// NeedWriteLock as a non-error control-flow variant").
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation did not complete normally.
type Kind int

const (
	// Aborted means the owning render was cancelled; a multi-threaded
	// step observed this via its context and stopped early.
	Aborted Kind = iota
	// Failed means the operation cannot complete (store returned false,
	// a level vector has the wrong size, a segment is corrupted, ...).
	Failed
	// NeedWriteLock is an internal control-flow signal requesting an
	// upgrade from a shared to an exclusive lock. It must never be
	// returned from a public cache.Entry method.
	NeedWriteLock
	// BadAlloc means the IPC property map's backing segment is
	// exhausted.
	BadAlloc
)

func (k Kind) String() string {
	switch k {
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	case NeedWriteLock:
		return "need_write_lock"
	case BadAlloc:
		return "bad_alloc"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and the operation that
// produced it, following the teacher's fmt.Errorf("doing x: %w", err)
// wrapping convention but with a typed Kind attached for errors.Is.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errs.ErrAborted) etc. to match any *Error
// of the same Kind regardless of Op/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values for errors.Is comparisons.
var (
	ErrAborted      = &Error{Kind: Aborted, Op: "sentinel"}
	ErrFailed       = &Error{Kind: Failed, Op: "sentinel"}
	ErrNeedWrite    = &Error{Kind: NeedWriteLock, Op: "sentinel"}
	ErrBadAlloc     = &Error{Kind: BadAlloc, Op: "sentinel"}
)

// New builds an *Error for op/kind wrapping cause (cause may be nil).
func New(op string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Wrap is a convenience for errors.New-backed causes.
func Wrap(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether err is an *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
