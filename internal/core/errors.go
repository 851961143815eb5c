package core

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code carried across component
// boundaries. HTTP handlers translate codes to status codes; the progress
// fabric carries them on terminal session:state events.
type Code string

const (
	CodeTenantBlocked         Code = "tenant_blocked"
	CodeDuplicateActive       Code = "duplicate_active"
	CodeRateLimited           Code = "rate_limited"
	CodeInvalidOptions        Code = "invalid_options"
	CodeOwnershipInsufficient Code = "ownership_insufficient"
	CodeNotFound              Code = "not_found"
	CodeExcessiveErrors       Code = "excessive_errors"
	CodeCancelled             Code = "cancelled"
	CodeConflict              Code = "conflict"
	CodeUnavailable           Code = "unavailable"
	CodeInternal              Code = "internal"
)

// CodedError pairs a stable code with a human-readable message.
type CodedError struct {
	Code    Code
	Message string
	wrapped error
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.wrapped }

// NewCodedError builds a CodedError with a formatted message.
func NewCodedError(code Code, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapCoded attaches a stable code to an underlying error.
func WrapCoded(code Code, err error) *CodedError {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Message: err.Error(), wrapped: err}
}

// CodeOf extracts the stable code from err, or CodeInternal if it carries
// none.
func CodeOf(err error) Code {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
