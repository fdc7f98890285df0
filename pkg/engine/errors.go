// Package engine defines error classification shared across the sync core.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Structured error codes surfaced in job records and operator logs.
const (
	CodeDagInvalid      = "E_DAG_INVALID"
	CodeUnroutable      = "E_UNROUTABLE"
	CodeAuthExpired     = "E_AUTH_EXPIRED"
	CodeSourceIO        = "E_SOURCE_IO"
	CodeDestUnavailable = "E_DEST_UNAVAILABLE"
	CodeCursorPersist   = "E_CURSOR_PERSIST"
	CodeCancelled       = "E_CANCELLED"
	CodeTimeout         = "E_TIMEOUT"
	CodeUnknown         = "E_UNKNOWN"
)

// Error carries a structured code and retryability hint.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// CodeValue returns the string error code for integration with job state.
func (e *Error) CodeValue() string { return e.Code }

// RetryableStatus indicates if the operation can be retried.
func (e *Error) RetryableStatus() bool { return e.Retryable }

// CodedError exposes structured error metadata.
type CodedError interface {
	error
	CodeValue() string
	RetryableStatus() bool
}

// Coded wraps err with a code and retryability flag.
func Coded(code string, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}

// Classify maps an error to a code and retryability for job records.
func Classify(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var ce CodedError
	if errors.As(err, &ce) {
		return ce.CodeValue(), ce.RetryableStatus()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout, true
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled, false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unreachable") {
		return CodeDestUnavailable, true
	}
	if strings.Contains(msg, "timeout") {
		return CodeTimeout, true
	}
	if strings.Contains(msg, "auth") {
		return CodeAuthExpired, false
	}
	return CodeUnknown, true
}

// IsCode reports whether err carries the given structured code.
func IsCode(err error, code string) bool {
	var ce CodedError
	if errors.As(err, &ce) {
		return ce.CodeValue() == code
	}
	return false
}
