package llm

import (
	"errors"
	"fmt"
)

// StatusError is a provider failure carrying an HTTP-like status code.
// Client errors (400, 401, 403) are never retried.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model invocation failed (status %d): %s", e.Code, e.Message)
}

// StatusCode extracts the status code from err, or 0 when err carries none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// Retryable reports whether a failed invocation should be retried.
// Errors without a status code are treated as transient.
func Retryable(err error) bool {
	switch StatusCode(err) {
	case 400, 401, 403:
		return false
	}
	return true
}
