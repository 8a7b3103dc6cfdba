// Package apierror defines the machine-readable error contract shared by
// every manager endpoint: a stable errcode, a human message, and the HTTP
// status the error maps to. Errors are constructed explicitly and flow
// through ordinary return paths.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Error is an API failure with a stable wire representation.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	return e.Message
}

// New constructs an Error with the given status, errcode, and message.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

var (
	ErrNotJSON            = New(http.StatusBadRequest, "M_NOT_JSON", "Request body is not valid JSON")
	ErrBadOpenIDPayload   = New(http.StatusBadRequest, "M_BAD_JSON", "Missing one or more fields in OpenID payload")
	ErrMissingToken       = New(http.StatusUnauthorized, "M_MISSING_TOKEN", "Missing authorization header")
	ErrInvalidAuthHeader  = New(http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Invalid authorization header")
	ErrInvalidAuthToken   = New(http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Invalid authorization token")
	ErrInvalidOpenIDToken = New(http.StatusForbidden, "M_UNKNOWN_TOKEN", "Invalid OpenID token")
	ErrHomeserverMismatch = New(http.StatusForbidden, "M_UNAUTHORIZED", "Request matrix_server_name and OpenID sub homeserver don't match")
	ErrNoAccess           = New(http.StatusForbidden, "M_UNAUTHORIZED", "You are not authorized to access this bridge manager")
	ErrNoDockerAccess     = New(http.StatusForbidden, "M_UNAUTHORIZED", "You are not authorized to access the Docker API proxy")
	ErrNoImpersonation    = New(http.StatusForbidden, "M_FORBIDDEN", "Only admins can access the bridge as another user")
	ErrBridgeDisabled     = New(http.StatusNotImplemented, "M_NOT_IMPLEMENTED", "This bridge is disabled in the manager")
	ErrBridgeUnreachable  = New(http.StatusBadGateway, "M_BAD_GATEWAY", "Failed to contact bridge, check the bridge logs")
	ErrRateLimited        = New(http.StatusTooManyRequests, "M_LIMIT_EXCEEDED", "Too many requests")
	ErrUnknown            = New(http.StatusInternalServerError, "M_UNKNOWN", "Internal server error")
)

// Write emits err as an {error, errcode} JSON response. Errors that aren't
// *Error values degrade to a generic 500 so handlers never leak internals.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = ErrUnknown
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(apiErr)
}
