package domain

import (
	"errors"
	"net/http"
)

// Kind is the §7 error taxonomy. Every error that crosses a component
// boundary in the Session Agent carries one of these.
type Kind string

const (
	KindBusy              Kind = "Busy"
	KindNotReady          Kind = "NotReady"
	KindNoSandbox         Kind = "NoSandbox"
	KindSandboxLost       Kind = "SandboxLost"
	KindTransientExternal Kind = "TransientExternal"
	KindSandboxError      Kind = "SandboxError"
	KindPromptTimeout     Kind = "PromptTimeout"
	KindUnauthorized      Kind = "Unauthorized"
	KindForbidden         Kind = "Forbidden"
	KindRateLimited       Kind = "RateLimited"
	KindBadRequest        Kind = "BadRequest"
)

// CoreError wraps an underlying error with the taxonomy kind it should be
// reported as. errors.As extracts both in one step.
type CoreError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// NewError builds a CoreError of the given kind.
func NewError(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// WrapError builds a CoreError of the given kind around an underlying cause.
func WrapError(kind Kind, message string, err error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Err: err}
}

// Convenience sentinels for the common no-detail cases.
var (
	ErrBusy      = NewError(KindBusy, "a prompt is already in flight")
	ErrNotReady  = NewError(KindNotReady, "sandbox is starting")
	ErrNoSandbox = NewError(KindNoSandbox, "no running sandbox and no snapshot")
)

// HTTPStatus maps a Kind to the status code §6/§7 specify.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBusy, KindNotReady, KindNoSandbox, KindSandboxLost, KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindSandboxError, KindTransientExternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *CoreError, reporting ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// HandleHTTPError writes the standard error envelope for err, consulting its
// Kind when present and otherwise falling back to 500.
func HandleHTTPError(err error) (status int, body map[string]interface{}) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind.HTTPStatus(), map[string]interface{}{
			"error": map[string]interface{}{
				"code":    string(ce.Kind),
				"message": ce.Error(),
			},
		}
	}
	return http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    "INTERNAL_ERROR",
			"message": "internal server error",
		},
	}
}
