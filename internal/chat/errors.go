package chat

import (
	"errors"
	"fmt"

	"prismachat/internal/store"
)

// ValidationError is a request the hub refuses before touching storage.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PublicMessage turns an operation error into the text sent back to the
// requester. Storage internals never leak.
func PublicMessage(err error) string {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return ve.Reason
	case errors.Is(err, store.ErrConflict):
		return "name already exists"
	case errors.Is(err, store.ErrNotFound):
		return "not found"
	default:
		return "request failed, please retry"
	}
}
