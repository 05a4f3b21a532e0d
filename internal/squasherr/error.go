// Package squasherr defines the error taxonomy shared by every component of
// the squash engine. It exists as its own leaf package so that archive,
// imageio, selector, merge, rebuild and workspace can all raise and wrap
// errors without importing the root squash package (which imports them).
package squasherr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error without callers needing to inspect its message.
type Kind int

const (
	// KindUnknown is never produced by this package; it is the zero value
	// guard against an Error constructed without a Kind.
	KindUnknown Kind = iota
	KindInvalidSpec
	KindLayerNotFound
	KindAmbiguousLayerId
	KindMalformedArchive
	KindUnsafePath
	KindDigestMismatch
	KindIoError
	KindDaemonError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidSpec:
		return "InvalidSpec"
	case KindLayerNotFound:
		return "LayerNotFound"
	case KindAmbiguousLayerId:
		return "AmbiguousLayerId"
	case KindMalformedArchive:
		return "MalformedArchive"
	case KindUnsafePath:
		return "UnsafePath"
	case KindDigestMismatch:
		return "DigestMismatch"
	case KindIoError:
		return "IoError"
	case KindDaemonError:
		return "DaemonError"
	default:
		return "Unknown"
	}
}

// Error is the single error type returned by every component. It pairs a
// Kind with a human-readable message and an optional wrapped cause produced
// by github.com/pkg/errors, which lets Verbose() print a full cause chain
// (and a stack trace, if pkg/errors captured one at the innermost wrap site)
// without the default, single-line Error() output carrying that detail.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap allows errors.Is / errors.As (both stdlib and pkg/errors) to reach
// the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Verbose renders the single-line message followed by the wrapped cause
// formatted with %+v (its message plus the stack trace pkg/errors recorded),
// for callers running in verbose mode.
func (e *Error) Verbose() string {
	if e.cause == nil {
		return e.Error()
	}
	return fmt.Sprintf("%s\ncaused by: %+v", e.Error(), e.cause)
}

// New constructs a new Error of the given Kind with no wrapped cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs a new Error of the given Kind, capturing cause as the
// wrapped error (and a stack trace, via pkg/errors.WithStack, if cause does
// not already carry one).
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	if cause == nil {
		return New(kind, format, args...)
	}
	var traced interface{ StackTrace() errors.StackTrace }
	if !errors.As(cause, &traced) {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), cause: cause}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
