// Package errs provides structured error types shared across the backsim engine.
package errs

import (
	"errors"
	"strings"
)

// Code identifies a simulation error category.
type Code string

const (
	// CodeConfig indicates an invalid or incomplete configuration document.
	CodeConfig Code = "invalid_config"
	// CodeUnknownKind indicates an unrecognised strategy/engine/exit/subscription tag.
	CodeUnknownKind Code = "unknown_kind"
	// CodeData indicates missing or malformed market data.
	CodeData Code = "data"
	// CodeRetryableIO indicates a transient I/O or missing-key failure during
	// batch execution; batches retry these up to the configured attempt limit.
	CodeRetryableIO Code = "retryable_io"
	// CodeSimulation indicates a failure inside a running plan.
	CodeSimulation Code = "simulation"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
)

// E captures structured error information produced across the backsim stack.
type E struct {
	Scope   string
	Code    Code
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:   strings.TrimSpace(scope),
		Code:    code,
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+e.Message)
	}
	if e.cause != nil {
		parts = append(parts, "cause="+e.cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As traversal.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// CodeOf extracts the simulation error code from err, walking the wrap chain.
func CodeOf(err error) (Code, bool) {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code, true
	}
	return "", false
}

// IsRetryable reports whether err should be retried by the batch executor.
// OS-level I/O failures and missing-key lookups are the retryable classes.
func IsRetryable(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == CodeRetryableIO
}

// IsConfig reports whether err is a fatal configuration error.
func IsConfig(err error) bool {
	code, ok := CodeOf(err)
	return ok && (code == CodeConfig || code == CodeUnknownKind)
}
