package mute

import (
	"errors"
	"fmt"
)

const (
	CodeValidation       = "VALIDATION"
	CodeTabNotFound      = "TAB_NOT_FOUND"
	CodeCommandFailure   = "COMMAND_FAILURE"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeCDPUnavailable   = "CDP_UNAVAILABLE"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}

// IsTabNotFound is shorthand for HasCode(err, CodeTabNotFound).
func IsTabNotFound(err error) bool { return HasCode(err, CodeTabNotFound) }
