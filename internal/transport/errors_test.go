package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryAfterDetection(t *testing.T) {
	t.Parallel()

	base := errors.New("too many requests")
	limited := RateLimited(base, 3*time.Second)

	after, ok := RetryAfter(limited)
	if !ok || after != 3*time.Second {
		t.Fatalf("RetryAfter = %v, %v", after, ok)
	}
	if !errors.Is(limited, base) {
		t.Fatalf("rate limit error must wrap its cause")
	}

	wrapped := fmt.Errorf("send to 42: %w", limited)
	after, ok = RetryAfter(wrapped)
	if !ok || after != 3*time.Second {
		t.Fatalf("RetryAfter through wrapping = %v, %v", after, ok)
	}
}

func TestRetryAfterOnPlainError(t *testing.T) {
	t.Parallel()

	if _, ok := RetryAfter(errors.New("chat not found")); ok {
		t.Fatal("plain error must not report a retry hint")
	}
	if _, ok := RetryAfter(nil); ok {
		t.Fatal("nil error must not report a retry hint")
	}
}
