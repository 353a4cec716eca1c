// Package errs defines the error taxonomy shared by every engine component.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way spec.md §7 requires callers to branch on.
type Kind int

const (
	// InvalidArgument covers null/absent keys, inverted ranges, negative LSNs.
	InvalidArgument Kind = iota
	// Closed covers operations attempted on a closed handle.
	Closed
	// Io covers failures of an underlying read/write/sync, including short reads.
	Io
	// Corrupted covers checksum mismatches, bad node-kind tags, impossible lengths.
	Corrupted
	// Fatal covers all-frames-pinned eviction failures and unrecoverable mid-recovery errors.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case Closed:
		return "Closed"
	case Io:
		return "Io"
	case Corrupted:
		return "Corrupted"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error is the structured error every component returns at its boundary.
// It carries the kind, the originating component, and (where applicable)
// the offending LSN or pageId, per spec.md §7.
type Error struct {
	Kind      Kind
	Component string
	PageID    int32
	LSN       int64
	HasPageID bool
	HasLSN    bool
	Msg       string
	Cause     error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s: %s", e.Component, e.Kind, e.Msg)
	if e.HasPageID {
		s = fmt.Sprintf("%s (pageId=%d)", s, e.PageID)
	}
	if e.HasLSN {
		s = fmt.Sprintf("%s (lsn=%d)", s, e.LSN)
	}
	if e.Cause != nil {
		s = fmt.Sprintf("%s: %v", s, e.Cause)
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, errs.New(errs.Fatal, "", "")) style checks against a
// sentinel built with New(kind, "", "").
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds a component error with no LSN/pageId context.
func New(kind Kind, component, msg string) *Error {
	return &Error{Kind: kind, Component: component, Msg: msg}
}

// Wrap builds a component error around an underlying cause.
func Wrap(kind Kind, component, msg string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Msg: msg, Cause: cause}
}

// WithPageID attaches the offending pageId.
func (e *Error) WithPageID(pageID int32) *Error {
	e.PageID = pageID
	e.HasPageID = true
	return e
}

// WithLSN attaches the offending LSN.
func (e *Error) WithLSN(lsn int64) *Error {
	e.LSN = lsn
	e.HasLSN = true
	return e
}

// Of reports the Kind of err, or a false ok if err is not a tagged *Error.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is a tagged *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
