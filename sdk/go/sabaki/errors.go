// Package sabaki provides a Go client for the sabaki network observer API.
package sabaki

import (
	"errors"
	"fmt"
)

// Error represents an error from the sabaki API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sabaki: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsInvalidInput returns true if the error is a 400 validation rejection.
// POST /analyze is the only endpoint that rejects input; everything else
// the server degrades into a Fallback verdict.
func IsInvalidInput(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 400
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}
