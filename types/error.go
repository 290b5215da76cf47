package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the coordination layer.
type ErrorCode string

// Coordination error codes
const (
	ErrValidation           ErrorCode = "VALIDATION"
	ErrTimeout              ErrorCode = "TIMEOUT"
	ErrQuorumUnreachable    ErrorCode = "QUORUM_UNREACHABLE"
	ErrByzantineDetected    ErrorCode = "BYZANTINE_DETECTED"
	ErrNoEligibleTargets    ErrorCode = "NO_ELIGIBLE_TARGETS"
	ErrCircuitOpen          ErrorCode = "CIRCUIT_OPEN"
	ErrCascadeLimitExceeded ErrorCode = "CASCADE_LIMIT_EXCEEDED"
)

// Lifecycle error codes
const (
	ErrNotFound ErrorCode = "NOT_FOUND"
	ErrAborted  ErrorCode = "ABORTED"
	ErrClosed   ErrorCode = "CLOSED"
	ErrInternal ErrorCode = "INTERNAL"
)

// API error codes
const (
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrRateLimited  ErrorCode = "RATE_LIMITED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code        ErrorCode   `json:"code"`
	Message     string      `json:"message"`
	HTTPStatus  int         `json:"http_status,omitempty"`
	Retryable   bool        `json:"retryable"`
	PrincipalID PrincipalID `json:"principal_id,omitempty"`
	RoundID     string      `json:"round_id,omitempty"`
	Cause       error       `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithPrincipal records the principal the error concerns.
func (e *Error) WithPrincipal(id PrincipalID) *Error {
	e.PrincipalID = id
	return e
}

// WithRound records the consensus round the error concerns.
func (e *Error) WithRound(roundID string) *Error {
	e.RoundID = roundID
	return e
}

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// Common constructors

// NewValidationError 构造校验失败错误（不可重试）。
func NewValidationError(format string, args ...any) *Error {
	return Errorf(ErrValidation, format, args...)
}

// NewTimeoutError 构造超时错误。
func NewTimeoutError(format string, args ...any) *Error {
	return Errorf(ErrTimeout, format, args...).WithRetryable(true)
}

// NewNoEligibleTargetsError 构造无可用目标错误。
func NewNoEligibleTargetsError(format string, args ...any) *Error {
	return Errorf(ErrNoEligibleTargets, format, args...).WithRetryable(true)
}

// NewCascadeLimitError 构造级联跳数超限错误。
func NewCascadeLimitError(hops, max int) *Error {
	return Errorf(ErrCascadeLimitExceeded, "hop list length %d exceeds cap %d", hops, max)
}
