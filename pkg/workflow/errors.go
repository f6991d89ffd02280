package workflow

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable, machine-readable error code safe to expose to callers.
type Code string

const (
	CodeValidation      Code = "VALIDATION"
	CodeStateConflict   Code = "STATE_CONFLICT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeOTPInvalid      Code = "OTP_INVALID"
	CodeOTPLocked       Code = "OTP_LOCKED"
	CodeStorageConflict Code = "STORAGE_CONFLICT"
)

// Error is the engine's error type. Business-rule violations are not
// retryable; only storage contention and rate limiting are, and rate
// limiting reports a cooldown. Messages carry no internal details.
type Error struct {
	Code       Code          `json:"code"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the code from err, or empty for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the caller may retry err as-is.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

func validationErr(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func stateConflict(format string, args ...any) *Error {
	return &Error{Code: CodeStateConflict, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func rateLimited(cooldown time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded, retry in %s", cooldown.Round(time.Second)),
		Retryable:  true,
		RetryAfter: cooldown,
	}
}

func otpInvalid(msg string) *Error {
	return &Error{Code: CodeOTPInvalid, Message: msg}
}

func otpLocked() *Error {
	return &Error{Code: CodeOTPLocked, Message: "verification attempts exhausted, request a new code"}
}

func storageConflict() *Error {
	return &Error{
		Code:      CodeStorageConflict,
		Message:   "concurrent update, retry the command",
		Retryable: true,
	}
}
