// Package michi provides a Go client for the Michi flow orchestration API.
package michi

import (
	"errors"
	"fmt"
)

// Error represents an error from the Michi API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Details    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("michi: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	return statusIs(err, 404)
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	return statusIs(err, 401)
}

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool {
	return statusIs(err, 403)
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	return statusIs(err, 429)
}

// IsInvalidFlow returns true if the server rejected the flow document.
func IsInvalidFlow(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "INVALID_FLOW"
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}
