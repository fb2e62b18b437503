package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"orderbot/internal/transport"
	"orderbot/pkg/logx"
)

func newOfflineAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(Config{Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return a
}

func TestClassifyFloodError(t *testing.T) {
	t.Parallel()
	a := newOfflineAdapter(t)

	flood := tele.FloodError{
		RetryAfter: 7,
	}
	got := a.classify(42, flood)
	after, ok := transport.RetryAfter(got)
	if !ok || after != 7*time.Second {
		t.Fatalf("RetryAfter = %v, %v, want 7s", after, ok)
	}
}

func TestClassifyPassesPermanentErrorsThrough(t *testing.T) {
	t.Parallel()
	a := newOfflineAdapter(t)

	blocked := errors.New("forbidden: bot was blocked by the user")
	got := a.classify(42, blocked)
	if got != blocked {
		t.Fatalf("classify = %v, want the original error", got)
	}
	if _, ok := transport.RetryAfter(got); ok {
		t.Fatal("permanent failure must not carry a retry hint")
	}
}

func TestSendHonorsCancelledContext(t *testing.T) {
	t.Parallel()
	a := newOfflineAdapter(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Send(ctx, 1, transport.Payload{Text: "hi"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send on cancelled ctx = %v", err)
	}
}
