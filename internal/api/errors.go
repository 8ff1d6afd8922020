package api

import (
	"errors"
	"net/http"
)

// Machine-readable error codes the backend may attach to a failure body.
// Older deployments omit the code and only send a message.
const (
	CodeInsufficientCredits = "insufficient_credits"
	CodeForbidden           = "forbidden"
	CodeNoLicense           = "no_license"
	CodeNotFound            = "not_found"
	CodeUnauthorized        = "unauthorized"
	CodeNotConfigured       = "not_configured"
	CodeBackendNotReady     = "backend_not_ready"
	CodeTrialExhausted      = "trial_exhausted"
)

// Error is a non-2xx response from the marketplace API.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"error"`
}

// Error returns the human-readable message so it can be shown verbatim.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if text := http.StatusText(e.Status); text != "" {
		return text
	}
	return "request failed"
}

// AsError unwraps err into an *Error if it is one.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
