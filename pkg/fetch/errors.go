package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// Terminal error kinds. Every error returned by the Client matches exactly one
// of these with errors.Is, or the caller's own context error.
var (
	ErrRateLimited  = errors.New("rate limited")
	ErrServiceError = errors.New("service error")
	ErrTimeout      = errors.New("timeout")
	ErrNotFound     = errors.New("not found")
	ErrRejected     = errors.New("request rejected")
)

// Error describes a failed outbound call after the retry policy gave up.
type Error struct {
	Kind       error
	StatusCode int
	Attempts   int
	Target     string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.Target, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// kindForStatus maps a non-2xx HTTP status to an error kind.
func kindForStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusNotFound || status == http.StatusGone:
		return ErrNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout
	case status >= 500:
		return ErrServiceError
	default:
		return ErrRejected
	}
}
