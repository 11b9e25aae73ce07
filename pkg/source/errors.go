package source

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies adapter failures on the run record.
type ErrorCode string

const (
	ErrAuthMissing       ErrorCode = "AUTH_MISSING"
	ErrDependencyMissing ErrorCode = "DEPENDENCY_MISSING"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrRateLimit         ErrorCode = "RATE_LIMIT"
	ErrSchemaMismatch    ErrorCode = "SCHEMA_MISMATCH"
	ErrUnknown           ErrorCode = "UNKNOWN"
)

type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the code carried by err, TIMEOUT for deadline errors, and
// UNKNOWN for anything else.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrUnknown
}
