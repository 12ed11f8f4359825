package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	Model      string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: model %s: HTTP %d: %s", e.Provider, e.Model, e.StatusCode, e.Body)
}

// contextLengthMarkers are substrings providers use when a request
// exceeds the model's context window.
var contextLengthMarkers = []string{
	"context length",
	"context_length",
	"maximum context",
	"context window",
	"too many tokens",
	"prompt is too long",
	"input is too long",
}

// IsAuthError reports whether err is an authentication or authorization
// failure. These are never absorbed by the fallback chain.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}

// IsContextLengthError reports whether err says the request was too
// large for the model. Callers should compact and retry once.
func IsContextLengthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode != http.StatusBadRequest && apiErr.StatusCode != http.StatusRequestEntityTooLarge {
		return false
	}
	body := strings.ToLower(apiErr.Body)
	for _, m := range contextLengthMarkers {
		if strings.Contains(body, m) {
			return true
		}
	}
	return false
}

// ExhaustedError is returned when every model in the step-down chain
// failed.
type ExhaustedError struct {
	Tried []string
	Last  error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all models failed (tried %s): %v", strings.Join(e.Tried, ", "), e.Last)
}

// Unwrap exposes the last underlying failure.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}
