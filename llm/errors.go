package llm

import (
	"errors"
)

// FatalKind distinguishes the two classes of non-retryable provider errors.
type FatalKind string

// Fatal error kinds.
const (
	// KindAuthOrQuota covers authentication and quota failures (401, 403, 402).
	KindAuthOrQuota FatalKind = "auth_or_quota"
	// KindInvalidRequest covers malformed or rejected requests (400, 404, 422).
	KindInvalidRequest FatalKind = "invalid_request"
)

// TransientError represents a temporary error that may succeed on retry:
// timeouts, rate limits, and provider 5xx responses.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that must not be retried and
// surfaces to the caller immediately.
type FatalError struct {
	Kind FatalKind
	err  error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(kind FatalKind, err error) error {
	return &FatalError{Kind: kind, err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// FatalKindOf returns the fatal kind of err, or "" when err is not fatal.
func FatalKindOf(err error) FatalKind {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return fatal.Kind
	}
	return ""
}
