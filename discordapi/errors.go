package discordapi

import (
	"errors"
	"fmt"
	"time"
)

// AuthError indicates an invalid or expired credential (401/403).
// It is never retried; the run aborts.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("discord auth failed: status %d", e.Status)
}

// RateLimitedError indicates a 429 response. RetryAfter carries the
// server-supplied hint (zero when the header was absent or unparsable).
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("discord rate limited: retry after %s", e.RetryAfter)
}

// TransportError covers network failures and 5xx responses.
// Status is zero when the request never reached the server.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discord transport error: %v", e.Err)
	}
	return fmt.Sprintf("discord transport error: status %d", e.Status)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the client may retry the call within its
// bounded attempt budget. Auth failures are never retryable.
func Retryable(err error) bool {
	var rl *RateLimitedError
	var tr *TransportError
	return errors.As(err, &rl) || errors.As(err, &tr)
}
