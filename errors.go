package esruntime

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSuchEntry is returned by AutoIDMap for Remove or Replace on an
	// id that is not present. Ids are never reused, so this always means
	// a caller bug rather than a lost race.
	ErrNoSuchEntry = errors.New("no such entry")

	// ErrAwaitTimeout is returned by Value.Await when the promise did not
	// settle within the given duration. The settlement channel stays
	// registered; a later Await can still receive the result.
	ErrAwaitTimeout = errors.New("timed out awaiting promise")

	// ErrTooDeep is returned when converting a value whose object nesting
	// exceeds the runtime's depth limit.
	ErrTooDeep = errors.New("value nesting exceeds depth limit")

	// ErrClosed is returned for operations on a runtime that has been
	// closed, or that shut itself down after a consistency violation.
	ErrClosed = errors.New("runtime is closed")
)

// TypeMismatchError is returned by the typed accessors on Value when the
// value holds a different kind than the accessor asks for. Accessors
// never coerce and never return a zero value silently.
type TypeMismatchError struct {
	Want string // kind the accessor asked for
	Got  string // kind the value actually holds
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("value is %s, not %s", e.Got, e.Want)
}

// ConsistencyError reports a broken promise-correlation invariant: the
// engine-side completion hook fired for a future id the runtime never
// handed out, or fired twice for the same id. The runtime cannot trust
// its correlation state after this, so it logs the error, shuts the
// instance down and fails all later calls with ErrClosed wrapping the
// violation.
type ConsistencyError struct {
	FutureID uint64
	Reason   string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("promise consistency violation: future %d: %s", e.FutureID, e.Reason)
}

// RejectedError is the "computation failed" outcome of Value.Await: the
// underlying promise rejected, or Await was called on a value that is not
// a promise at all. Reason is the detached snapshot of the rejection
// value. It is deliberately distinct from ErrAwaitTimeout, which means
// only that the caller gave up waiting.
type RejectedError struct {
	Reason *Value
}

func (e *RejectedError) Error() string {
	if e.Reason == nil {
		return "promise rejected"
	}
	return "promise rejected: " + e.Reason.String()
}

// ScriptError describes a failure to compile or run script source,
// including a bootstrap script failing during New. Line and Column are
// 1-based and 0 when the engine did not report a position (runtime throws
// embed their own location in Message).
type ScriptError struct {
	Message string
	Origin  string
	Line    int
	Column  int
}

func (e *ScriptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.Origin, e.Line, e.Column, e.Message)
	}
	return e.Message
}
