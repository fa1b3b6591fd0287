package wire

import (
	"errors"
	"fmt"
)

// CodedError pairs an error message with a stable code so transports and
// sessions can map failures without string matching. The zero Code is not
// valid; constructors always set one.
type CodedError struct {
	Code    Code
	Message string
	cause   error
}

// NewError builds a CodedError with a plain message.
func NewError(code Code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// Errorf builds a CodedError with a formatted message. %w wraps a cause the
// usual way.
func Errorf(code Code, format string, args ...any) *CodedError {
	err := fmt.Errorf(format, args...)
	return &CodedError{Code: code, Message: err.Error(), cause: errors.Unwrap(err)}
}

// WrapError attaches a code and a context message to an existing error.
func WrapError(code Code, message string, err error) *CodedError {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Message: message + ": " + err.Error(), cause: err}
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.cause
}

// Detail converts the error to its wire shape.
func (e *CodedError) Detail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}

// CodeOf extracts the stable code from an error chain. Errors without a
// CodedError in the chain report CodeExecutionError, the catch-all for
// handler and sandbox failures.
func CodeOf(err error) Code {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeExecutionError
}

// MessageOf extracts the human-readable message from an error chain.
func MessageOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}
	return err.Error()
}

// Recoverable reports whether a tool call failure with this code returns to
// user code as a catchable error. Everything else is fatal to the session.
func Recoverable(code Code) bool {
	switch code {
	case CodeUnknownTool, CodeValidationError, CodeSecretError,
		CodeToolTimeout, CodeExecutionError:
		return true
	}
	return false
}
