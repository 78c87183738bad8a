package solver

import (
	"errors"
	"fmt"
)

// PermanentError reports a challenge-level failure that will not change on
// retry, such as invalid credentials or an exhausted account balance.
// Callers must propagate it instead of retrying.
type PermanentError struct {
	// Op is the provider operation that failed ("submit" or "poll").
	Op string

	// Code is the provider's own error code (e.g. "ERROR_ZERO_BALANCE").
	Code string

	// Detail is the provider's human-readable description, if any.
	Detail string
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("captcha %s failed permanently: %s (%s)", e.Op, e.Code, e.Detail)
	}
	return fmt.Sprintf("captcha %s failed permanently: %s", e.Op, e.Code)
}

// TransientError reports a failure that is eligible for bounded retry:
// a network blip, provider rate limiting, or an exhausted polling budget.
type TransientError struct {
	// Op is the operation that failed ("submit", "poll", "transport", "wait").
	Op string

	// Reason describes what went wrong.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("captcha %s failed: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("captcha %s failed: %s", e.Op, e.Reason)
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
