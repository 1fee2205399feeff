package admission

import (
	"errors"
	"fmt"

	"ms-admission/internal/models"
)

// Error codes surfaced to the gate operator or to staff review.
const (
	CodeTampered           = "TAMPERED"
	CodeNotFound           = "NOT_FOUND"
	CodeAlreadyUsed        = "ALREADY_USED"
	CodeWrongEvent         = "WRONG_EVENT"
	CodeNetworkUnavailable = "NETWORK_UNAVAILABLE"
	CodeSyncConflict       = "SYNC_CONFLICT"
)

// Error is a typed admission failure carrying the operator-facing code and
// any rejection context.
type Error struct {
	Code    string
	Message string
	Details *models.RejectionDetails
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a typed admission failure.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AsError unwraps an admission error from an error chain.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// CodeOf returns the admission code of err, or empty when err is not an
// admission failure.
func CodeOf(err error) string {
	if ae, ok := AsError(err); ok {
		return ae.Code
	}
	return ""
}
