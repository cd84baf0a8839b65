package resilience

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsTransient_TransientError(t *testing.T) {
	err := NewTransientError(errors.New("server error"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("server error"), 502)
	err := fmt.Errorf("fetch page: %w", inner)
	if !IsTransient(err) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_RateLimited(t *testing.T) {
	err := NewRateLimitedError(errors.New("too many requests"), 0)
	if !IsTransient(err) {
		t.Error("expected RateLimitedError to be transient")
	}
	if !IsRateLimited(err) {
		t.Error("expected IsRateLimited to report true")
	}
}

func TestIsTransient_Nil(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil should not be transient")
	}
}

func TestIsTransient_PermanentError(t *testing.T) {
	if IsTransient(errors.New("invalid api key")) {
		t.Error("permanent error should not be transient")
	}
}

func TestIsTransient_NetworkPatterns(t *testing.T) {
	patterns := []string{
		"read tcp: connection reset by peer",
		"write: broken pipe",
		"dial tcp: i/o timeout",
		"lookup host: no such host",
	}
	for _, p := range patterns {
		if !IsTransient(errors.New(p)) {
			t.Errorf("expected %q to be transient", p)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	err := NewRateLimitedError(errors.New("429"), 7*time.Second)
	if got := RetryAfter(err); got != 7*time.Second {
		t.Errorf("expected 7s, got %v", got)
	}
	if got := RetryAfter(errors.New("plain")); got != 0 {
		t.Errorf("expected 0 for non-rate-limit error, got %v", got)
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be transient", code)
		}
	}
	for _, code := range []int{200, 201, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to not be transient", code)
		}
	}
}
