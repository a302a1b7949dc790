package domain

import "errors"

// Error kinds returned by the exchange engine. Callers match them with errors.Is;
// every returned error wraps exactly one of these.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrInvalidState        = errors.New("invalid state")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
)

const (
	KindValidation          = "validation"
	KindNotAuthorized       = "not_authorized"
	KindInvalidState        = "invalid_state"
	KindInsufficientBalance = "insufficient_balance"
	KindNotFound            = "not_found"
	KindConflict            = "conflict"
	KindInternal            = "internal"
)

// ErrorKind maps an error to its stable kind string. Unknown errors are "internal".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotAuthorized):
		return KindNotAuthorized
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}
