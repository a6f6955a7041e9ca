package leads

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode standardizes lead pipeline failure semantics.
type ErrorCode string

const (
	CodeValidation ErrorCode = "validation"
	CodeRetryable  ErrorCode = "retryable"
)

// Error is the canonical lead pipeline error.
type Error struct {
	Code    ErrorCode
	Op      string
	Field   string
	Handler string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 4)
	if e.Handler != "" {
		parts = append(parts, e.Handler)
	}
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	msg := strings.TrimSpace(e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if msg != "" {
		parts = append(parts, msg)
	}
	if len(parts) == 0 {
		return string(e.Code)
	}
	return fmt.Sprintf("%s (%s)", strings.Join(parts, ": "), e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// ValidationError rejects an event synchronously; it is never retried.
func ValidationError(handler, field, message string) error {
	return &Error{Code: CodeValidation, Handler: handler, Field: field, Message: message}
}

func Wrap(code ErrorCode, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Message: err.Error(), Cause: err}
}

func IsValidation(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Code == CodeValidation
}
