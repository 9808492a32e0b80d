package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode categorizes engine and store failures.
type ErrorCode string

const (
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeTransport    ErrorCode = "TRANSPORT"
	CodeValidation   ErrorCode = "VALIDATION"
)

// Sentinels for errors.Is. Any *Error matches the sentinel of its code.
var (
	ErrNotFound     = &Error{Code: CodeNotFound}
	ErrUnauthorized = &Error{Code: CodeUnauthorized}
	ErrTransport    = &Error{Code: CodeTransport}
	ErrValidation   = &Error{Code: CodeValidation}
)

// Error is a coded failure with an optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on code so wrapped errors compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError builds a coded error. Store and feed implementations outside this
// package use it so their failures match the sentinels.
func NewError(code ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// errorFromStatus maps an HTTP status and API error body to a coded error.
func errorFromStatus(status int, apiErr *APIError) *Error {
	msg := http.StatusText(status)
	var cause error
	code := ""
	if apiErr != nil {
		cause = apiErr
		code = apiErr.Code
		if apiErr.Message != "" {
			msg = apiErr.Message
		}
	}
	switch {
	case status == http.StatusNotFound, code == string(CodeNotFound):
		return NewError(CodeNotFound, msg, cause)
	case status == http.StatusUnauthorized, status == http.StatusForbidden, code == string(CodeUnauthorized):
		return NewError(CodeUnauthorized, msg, cause)
	}
	return NewError(CodeTransport, fmt.Sprintf("HTTP %d: %s", status, msg), cause)
}
