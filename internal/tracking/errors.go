// SPDX-License-Identifier: MIT

package tracking

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable machine-readable error classification, mapped to an
// HTTP status by the API layer.
type ErrorCode string

const (
	CodeResourceDoesNotExist  ErrorCode = "RESOURCE_DOES_NOT_EXIST"
	CodeResourceAlreadyExists ErrorCode = "RESOURCE_ALREADY_EXISTS"
	CodeInvalidParameterValue ErrorCode = "INVALID_PARAMETER_VALUE"
	CodeInvalidState          ErrorCode = "INVALID_STATE"
	CodeInternalError         ErrorCode = "INTERNAL_ERROR"
)

// Error is a coded domain error.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a coded error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to an underlying error.
func WrapError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// CodeOf extracts the error code, defaulting to INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternalError
}

// IsNotFound reports whether err is a not-found domain error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeResourceDoesNotExist
}
