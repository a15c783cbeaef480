// Package simerr defines the simulator's structured error taxonomy.
//
// Three categories only: Config (fatal at init), Invariant (a protocol
// bug in the simulator itself — the caller should panic, not recover),
// and Wrap (context added to a lower-level error without reclassifying
// it). There are no transient/retryable errors: every latency in this
// simulator is modeled by a countdown, never retried.
package simerr

import "fmt"

// Category is the high-level bucket an Error falls into.
type Category string

const (
	CategoryConfig    Category = "config"
	CategoryInvariant Category = "invariant"
	CategoryWrapped   Category = "wrapped"
)

// Error is the simulator's structured error type.
type Error struct {
	Op        string   // operation that failed, e.g. "cache.ParseFlags"
	Component string   // owning component, e.g. "cache", "coherence"
	Category  Category
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %s", e.Component, e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is by category: two *Error values match if they
// share a Category, regardless of message.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Category == te.Category
}

// Config reports a fatal configuration error (missing/impossible CLI flags).
func Config(component, op, msg string) *Error {
	return &Error{Op: op, Component: component, Category: CategoryConfig, Msg: msg}
}

// Invariant reports a protocol-invariant violation: a bug in the
// simulator, not in the simulated workload. Callers should panic with
// the returned error rather than attempt to continue.
func Invariant(component, op, msg string) *Error {
	return &Error{Op: op, Component: component, Category: CategoryInvariant, Msg: msg}
}

// Wrap adds operation/component context to an existing error.
func Wrap(component, op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ie, ok := inner.(*Error); ok {
		return &Error{Op: op, Component: component, Category: ie.Category, Msg: ie.Msg, Inner: ie}
	}
	return &Error{Op: op, Component: component, Category: CategoryWrapped, Msg: inner.Error(), Inner: inner}
}
