// Package errs defines the stable error kinds surfaced by the engine.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error. Hosts switch on Kind; the message is
// operator-facing and never contains prompts or credentials.
type Kind string

const (
	KindValidation      Kind = "validation_error"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindStaleWrite      Kind = "stale_write"
	KindOverloaded      Kind = "overloaded"
	KindUnavailable     Kind = "unavailable"
	KindReasoningFailed Kind = "reasoning_failed"
	KindPartialCommit   Kind = "partial_commit"
	KindCancelled       Kind = "cancelled"
	KindInternal        Kind = "internal"
)

// Error carries a kind plus a wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two engine errors by kind, so callers can use
// errors.Is(err, errs.New(errs.KindNotFound, "")) style sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an engine error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an engine error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether err is worth retrying with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindOverloaded:
		return true
	}
	return false
}
