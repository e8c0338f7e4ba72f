package types

import (
	"fmt"
	"time"
)

// ErrorCode is the ErrorKind sum type: every adapter failure is classified
// into exactly one of these before it leaves the adapter boundary.
type ErrorCode string

const (
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrAuthFailed         ErrorCode = "AUTH_FAILED"
	ErrModelNotFound      ErrorCode = "MODEL_NOT_FOUND"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrBadRequest         ErrorCode = "BAD_REQUEST"
	ErrNetwork            ErrorCode = "NETWORK"
	ErrUnknown            ErrorCode = "UNKNOWN"
)

// Error is a structured, classified failure from a provider adapter or an
// orchestration stage.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Retryable  bool          `json:"retryable"`
	Provider   string        `json:"provider,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// IsRetryable reports whether err is a *Error marked retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the ErrorCode from err, or "" if err is not a
// *Error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// Flatten renders a canonical, human-facing string for err. Every
// user-facing surface in this module funnels error text through here
// instead of hand-building strings at call sites.
func Flatten(err error) string {
	if err == nil {
		return ""
	}
	e, ok := err.(*Error)
	if !ok {
		return err.Error()
	}
	switch e.Code {
	case ErrTimeout:
		return fmt.Sprintf("%s: request timed out", e.Provider)
	case ErrAuthFailed:
		return fmt.Sprintf("%s: authentication failed", e.Provider)
	case ErrModelNotFound:
		return fmt.Sprintf("%s: model not found: %s", e.Provider, e.Message)
	case ErrRateLimited:
		if e.RetryAfter > 0 {
			return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
		}
		return fmt.Sprintf("%s: rate limited", e.Provider)
	case ErrServiceUnavailable:
		return fmt.Sprintf("%s: service unavailable", e.Provider)
	case ErrBadRequest:
		return fmt.Sprintf("%s: bad request: %s", e.Provider, e.Message)
	case ErrNetwork:
		return fmt.Sprintf("%s: network error: %s", e.Provider, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
}
