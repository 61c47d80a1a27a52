package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("validation failed")
)

// UserSafeMessage maps internal errors to messages safe for API responses.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "resource not found"
	case errors.Is(err, ErrValidation):
		return "invalid input"
	case errors.Is(err, ErrIdempotencyConflict):
		return "request already processed"
	default:
		return "internal error"
	}
}
