// Package errtax implements the engine's structured error taxonomy.
//
// Every error that crosses a component boundary is a *Error with a stable
// Code drawn from the fixed set below, so callers (including the MCP
// adapter) can branch on Code without string matching.
package errtax

import "fmt"

// Code is a stable, wire-safe error identifier.
type Code string

const (
	InvalidInput      Code = "INVALID_INPUT"
	NotFound          Code = "NOT_FOUND"
	Conflict          Code = "CONFLICT"
	Unavailable       Code = "UNAVAILABLE"
	ResourceExhausted Code = "RESOURCE_EXHAUSTED"
	Internal          Code = "INTERNAL_ERROR"
)

var retryable = map[Code]bool{
	Unavailable:       true,
	ResourceExhausted: true,
}

// Error is the engine-wide structured error type.
type Error struct {
	Code      Code
	Message   string
	Details   map[string]string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Code alone, same as a sentinel comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail attaches a key/value detail and returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New builds an Error with retryability derived from Code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable[code]}
}

// Wrap builds an Error from an underlying cause, preserving it for Unwrap.
func Wrap(code Code, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: cause.Error(), Cause: cause, Retryable: retryable[code]}
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func InvalidInputf(format string, args ...any) *Error {
	return New(InvalidInput, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, args...))
}

func Internalf(format string, args ...any) *Error {
	return New(Internal, fmt.Sprintf(format, args...))
}

// CodeOf extracts Code from err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if as(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if as(err, &e) {
		return e.Retryable
	}
	return false
}

// as is a tiny local errors.As to avoid importing "errors" just for this.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
