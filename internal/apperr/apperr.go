package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures so callers can branch without parsing messages.
type Kind string

const (
	ResourceBusy  Kind = "resource_busy"
	CommandFailed Kind = "command_failed"
	Timeout       Kind = "timeout"
	InvalidInput  Kind = "invalid_input"
	Internal      Kind = "internal_error"
)

// Error is the typed error returned by every manager in this module.
// Details carries optional diagnostic payload (e.g. partial debugger output).
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail sets a detail key and returns e for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Detail returns the detail stored under key, if any.
func (e *Error) Detail(key string) (any, bool) {
	if e.Details == nil {
		return nil, false
	}
	v, ok := e.Details[key]
	return v, ok
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NotFound reports an unknown identifier supplied by the caller.
func NotFound(what, id string) *Error {
	return New(InvalidInput, "unknown %s %q", what, id).WithDetail("id", id)
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when err
// is nil or untyped.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// DetailOf looks up a detail value on the first *Error in err's chain.
func DetailOf(err error, key string) (any, bool) {
	var ae *Error
	if !errors.As(err, &ae) {
		return nil, false
	}
	return ae.Detail(key)
}
