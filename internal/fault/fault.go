// Package fault holds the engine's error taxonomy. Every failure the core
// returns on purpose unwraps to one of the sentinel errors below, so callers
// branch with errors.Is and never parse messages.
package fault

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrResourceExhausted: a reservation would exceed a tier budget.
	// Retryable only after a release elsewhere.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrRateLimited: the tier's rate window is full. Retryable after reset.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnauthorized: a permission check failed.
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrTimeout      = errors.New("timeout")
)

// ExhaustedError describes a rejected reservation.
type ExhaustedError struct {
	Scope      string
	Dimensions []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("scope %s: %v on %s", e.Scope, ErrResourceExhausted, strings.Join(e.Dimensions, ", "))
}

func (e *ExhaustedError) Unwrap() error { return ErrResourceExhausted }

// RateLimitError reports when the limiter window resets.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("scope %s: %v, retry after %s", e.Scope, ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

func Unauthorized(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrUnauthorized)
}

func Timeout(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrTimeout)
}

// Retryable reports whether err may succeed when retried later without a
// change in grants.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrTimeout)
}

// Code returns a stable machine-readable code for err, used by the HTTP and
// IPC edges.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}
