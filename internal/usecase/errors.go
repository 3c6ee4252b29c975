package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// ValidationError rejects user input whose length is outside a field's bounds.
// It never aborts a turn; the prompt is reissued instead.
type ValidationError struct {
	Field     string
	MinLength int
	MaxLength int
	Length    int
}

func (e *ValidationError) TooLong() bool {
	return e.MaxLength > 0 && e.Length > e.MaxLength
}

func (e *ValidationError) Error() string {
	if e.TooLong() {
		return fmt.Sprintf("usecase: %s has %d characters, allowed at most %d", e.Field, e.Length, e.MaxLength)
	}
	return fmt.Sprintf("usecase: %s has %d characters, need at least %d", e.Field, e.Length, e.MinLength)
}

// Message is the text shown to the user.
func (e *ValidationError) Message() string {
	if e.TooLong() {
		return fmt.Sprintf("The %s must be at most %d characters long.", e.Field, e.MaxLength)
	}
	return fmt.Sprintf("The %s must be at least %d characters long.", e.Field, e.MinLength)
}
