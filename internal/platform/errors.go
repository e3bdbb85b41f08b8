package platform

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrRateLimited = errors.New("platform: rate limited")
	ErrUnavailable = errors.New("platform: unavailable")
	ErrNotFound    = errors.New("platform: not found")
	ErrForbidden   = errors.New("platform: forbidden")
	ErrInvalid     = errors.New("platform: invalid request")
)

// Error is a failed gateway call.
type Error struct {
	Op         string
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Op, e.Status, e.Code, msg)
	}
	return fmt.Sprintf("%s: %d: %s", e.Op, e.Status, msg)
}

// Unwrap maps the HTTP status to a sentinel so callers can use errors.Is.
func (e *Error) Unwrap() error {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return ErrForbidden
	case e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity:
		return ErrInvalid
	case e.Status >= 500:
		return ErrUnavailable
	}
	return nil
}

// IsPermanent reports whether retrying err cannot succeed. Anything not
// known to be permanent (timeouts, resets, 5xx, 429) is treated as
// transient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrInvalid)
}

// RetryAfter returns the server-requested wait carried by err, if any.
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
