package fault

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTypedErrorsUnwrap(t *testing.T) {
	var err error = &ExhaustedError{Scope: "step:s1", Dimensions: []string{"credits"}}
	if !errors.Is(err, ErrResourceExhausted) {
		t.Error("expected ExhaustedError to unwrap to ErrResourceExhausted")
	}
	wrapped := fmt.Errorf("reserve: %w", err)
	var ex *ExhaustedError
	if !errors.As(wrapped, &ex) || ex.Dimensions[0] != "credits" {
		t.Error("expected errors.As to recover ExhaustedError")
	}

	err = &RateLimitError{Scope: "run:r1", RetryAfter: time.Second}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("expected RateLimitError to unwrap to ErrRateLimited")
	}
}

func TestCodeAndRetryable(t *testing.T) {
	tests := []struct {
		err       error
		code      string
		retryable bool
	}{
		{NotFound("swarm %s", "a"), "not_found", false},
		{Conflict("approval %s", "p"), "conflict", false},
		{Unauthorized("missing %s", "swarm:execute"), "unauthorized", false},
		{Timeout("approval %s", "p"), "timeout", true},
		{&RateLimitError{Scope: "x"}, "rate_limited", true},
		{&ExhaustedError{Scope: "x"}, "resource_exhausted", true},
		{errors.New("disk full"), "internal", false},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.code {
			t.Errorf("Code(%v) = %s, want %s", tt.err, got, tt.code)
		}
		if got := Retryable(tt.err); got != tt.retryable {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
	if Code(nil) != "" {
		t.Error("expected empty code for nil error")
	}
}
