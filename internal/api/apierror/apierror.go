// Package apierror defines the platform error taxonomy. Components
// return these errors from their boundaries; the HTTP layer translates
// them into JSON responses with the mapped status code.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Error is a platform error with an HTTP mapping.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Detail  string `json:"detail,omitempty"`
	wrapped error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Code + ": " + e.Detail
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches on the error code so sentinel comparisons work across
// instances carrying different details.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetail returns a copy of e carrying detail.
func (e *Error) WithDetail(detail string) *Error {
	return &Error{Status: e.Status, Code: e.Code, Detail: detail}
}

// Wrap returns a copy of e wrapping err, keeping e's status and code.
func (e *Error) Wrap(err error) *Error {
	return &Error{Status: e.Status, Code: e.Code, Detail: err.Error(), wrapped: err}
}

// Sentinel errors of the platform taxonomy.
var (
	MissingCredentials      = &Error{Status: http.StatusUnauthorized, Code: "missing_credentials", Detail: "Not authenticated"}
	InvalidCredentials      = &Error{Status: http.StatusUnauthorized, Code: "invalid_credentials", Detail: "Invalid authentication credentials"}
	InvalidToken            = &Error{Status: http.StatusUnauthorized, Code: "invalid_token", Detail: "Token could not be validated"}
	ExpiredToken            = &Error{Status: http.StatusUnauthorized, Code: "expired_token", Detail: "Token has expired and could not be validated"}
	InsufficientPermissions = &Error{Status: http.StatusForbidden, Code: "insufficient_permissions", Detail: "Insufficient permissions"}
	BadRequest              = &Error{Status: http.StatusBadRequest, Code: "bad_request"}
	NotFound                = &Error{Status: http.StatusNotFound, Code: "not_found"}
	Conflict                = &Error{Status: http.StatusConflict, Code: "conflict"}
	ServiceUnavailable      = &Error{Status: http.StatusServiceUnavailable, Code: "service_unavailable"}
	UpstreamError           = &Error{Status: http.StatusBadGateway, Code: "upstream_error"}
	InternalError           = &Error{Status: http.StatusInternalServerError, Code: "internal_error"}
)

// Write renders err as a JSON response. Non-taxonomy errors become an
// InternalError without leaking the underlying message.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = InternalError.WithDetail("internal server error")
	}

	w.Header().Set("Content-Type", "application/json")
	if apiErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	w.WriteHeader(apiErr.Status)
	json.NewEncoder(w).Encode(apiErr)
}
