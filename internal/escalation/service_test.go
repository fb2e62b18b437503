package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orderbot/internal/eventbus"
	"orderbot/internal/storage"
	"orderbot/internal/transport"
	"orderbot/pkg/logx"
)

type fakeLedger struct {
	mu     sync.Mutex
	status map[int64]string
	err    error
}

func (f *fakeLedger) OrderStatus(_ context.Context, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	st, ok := f.status[id]
	if !ok {
		return "", storage.ErrNotFound
	}
	return st, nil
}

func (f *fakeLedger) OrdersInStatus(_ context.Context, status string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for id, st := range f.status {
		if st == status {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeLedger) set(id int64, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		f.status = map[int64]string{}
	}
	f.status[id] = status
}

type fakeDirectory struct {
	staff []transport.RecipientID
	err   error
}

func (f *fakeDirectory) ActiveStaff(context.Context, string) ([]transport.RecipientID, error) {
	return f.staff, f.err
}

type sentMsg struct {
	To   transport.RecipientID
	Text string
}

type fakeChannel struct {
	mu    sync.Mutex
	sends []sentMsg
	fail  map[transport.RecipientID]error
}

func (f *fakeChannel) Send(_ context.Context, to transport.RecipientID, p transport.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[to]; err != nil {
		return err
	}
	f.sends = append(f.sends, sentMsg{To: to, Text: p.Text})
	return nil
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type fakeSettings struct {
	durations map[string]time.Duration
	texts     map[string]string
}

func (f *fakeSettings) Duration(_ context.Context, key string, def time.Duration) time.Duration {
	if d, ok := f.durations[key]; ok {
		return d
	}
	return def
}

func (f *fakeSettings) Text(_ context.Context, key, def string) string {
	if t, ok := f.texts[key]; ok {
		return t
	}
	return def
}

type harness struct {
	svc    *Service
	ledger *fakeLedger
	dir    *fakeDirectory
	ch     *fakeChannel
	bus    eventbus.Bus
	events <-chan eventbus.Event
	unsub  func()
}

func newHarness(t *testing.T, initial, repeat time.Duration) *harness {
	t.Helper()
	ledger := &fakeLedger{}
	dir := &fakeDirectory{staff: []transport.RecipientID{100}}
	ch := &fakeChannel{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	cfg := Config{
		Status:                "processing",
		Role:                  "courier",
		DefaultInitialDelay:   initial,
		DefaultRepeatInterval: repeat,
	}
	svc := New(cfg, ledger, dir, ch, &fakeSettings{}, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		svc.Stop(stopCtx)
	})
	return &harness{svc: svc, ledger: ledger, dir: dir, ch: ch, bus: bus, events: events, unsub: unsub}
}

func (h *harness) waitEvent(t *testing.T, typ string, timeout time.Duration) eventbus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-h.events:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event within %v", typ, timeout)
		}
	}
}

func TestStartTimerKeepsAtMostOnePerOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 30*time.Millisecond, 20*time.Millisecond)
	h.ledger.set(1, "processing")

	h.svc.StartTimer(1)
	h.svc.StartTimer(1) // replaces the first; its fire must never execute

	if got := h.svc.Active(); got != 1 {
		t.Fatalf("Active() = %d, want 1", got)
	}

	first := h.waitEvent(t, eventbus.EscalationFired, time.Second).Data.(FireEvent)
	second := h.waitEvent(t, eventbus.EscalationFired, time.Second).Data.(FireEvent)
	if first.Count != 1 || second.Count != 2 {
		t.Fatalf("fire counts = %d,%d, want 1,2 (duplicate counts mean two live timers)", first.Count, second.Count)
	}
}

func TestCancelTimerIsEffectiveAndIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 25*time.Millisecond, 25*time.Millisecond)
	h.ledger.set(7, "processing")

	h.svc.StartTimer(7)
	h.svc.CancelTimer(7)
	h.svc.CancelTimer(7)   // second cancel is a no-op
	h.svc.CancelTimer(999) // unknown order is a no-op

	ev := h.waitEvent(t, eventbus.EscalationStopped, time.Second).Data.(StopEvent)
	if ev.Reason != "cancelled" || ev.Fires != 0 {
		t.Fatalf("stop event = %+v, want reason=cancelled fires=0", ev)
	}

	time.Sleep(80 * time.Millisecond) // well past the first fire boundary
	if n := h.ch.count(); n != 0 {
		t.Fatalf("notifications after cancel = %d, want 0", n)
	}
	if got := h.svc.Active(); got != 0 {
		t.Fatalf("Active() = %d, want 0", got)
	}
}

func TestTimerTerminatesOnStatusChange(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 40*time.Millisecond, 20*time.Millisecond)
	h.ledger.set(3, "processing")

	h.svc.StartTimer(3)
	h.ledger.set(3, "delivered") // before the first fire

	ev := h.waitEvent(t, eventbus.EscalationStopped, time.Second).Data.(StopEvent)
	if ev.Reason != "status_changed" {
		t.Fatalf("stop reason = %q, want status_changed", ev.Reason)
	}
	if n := h.ch.count(); n != 0 {
		t.Fatalf("notifications = %d, want 0", n)
	}
}

func TestTimerTerminatesWhenOrderMissing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond, 10*time.Millisecond)

	h.svc.StartTimer(42) // order never existed

	ev := h.waitEvent(t, eventbus.EscalationStopped, time.Second).Data.(StopEvent)
	if ev.Reason != "order_missing" || ev.Fires != 0 {
		t.Fatalf("stop event = %+v, want reason=order_missing fires=0", ev)
	}
}

func TestTimerTerminatesOnLedgerReadFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond, 10*time.Millisecond)
	h.ledger.set(5, "processing")
	h.ledger.mu.Lock()
	h.ledger.err = errors.New("db locked")
	h.ledger.mu.Unlock()

	h.svc.StartTimer(5)

	ev := h.waitEvent(t, eventbus.EscalationStopped, time.Second).Data.(StopEvent)
	if ev.Reason != "order_missing" {
		t.Fatalf("stop reason = %q, want order_missing (fail-safe)", ev.Reason)
	}
}

func TestFireCountAndElapsedAreMonotonic(t *testing.T) {
	t.Parallel()
	const (
		initial = 15 * time.Millisecond
		repeat  = 10 * time.Millisecond
	)
	h := newHarness(t, initial, repeat)
	h.ledger.set(9, "processing")

	h.svc.StartTimer(9)

	for k := 1; k <= 3; k++ {
		ev := h.waitEvent(t, eventbus.EscalationFired, time.Second).Data.(FireEvent)
		if ev.Count != k {
			t.Fatalf("fire %d: count = %d", k, ev.Count)
		}
		want := initial + time.Duration(k-1)*repeat
		if ev.Elapsed != want {
			t.Fatalf("fire %d: elapsed = %v, want %v", k, ev.Elapsed, want)
		}
	}
}

func TestFireSkipsUnreachableStaff(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10*time.Millisecond, 10*time.Millisecond)
	h.ledger.set(2, "processing")
	h.dir.staff = []transport.RecipientID{100, 200, 300}
	h.ch.fail = map[transport.RecipientID]error{200: errors.New("blocked")}

	h.svc.StartTimer(2)

	ev := h.waitEvent(t, eventbus.EscalationFired, time.Second).Data.(FireEvent)
	if ev.Notified != 2 {
		t.Fatalf("notified = %d, want 2 (one staff member unreachable)", ev.Notified)
	}
	// The timer survives partial delivery failure.
	next := h.waitEvent(t, eventbus.EscalationFired, time.Second).Data.(FireEvent)
	if next.Count != 2 {
		t.Fatalf("second fire count = %d, want 2", next.Count)
	}
}

func TestRearmAllArmsOnlyMissingTimers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 200*time.Millisecond, 200*time.Millisecond)
	h.ledger.set(1, "processing")
	h.ledger.set(2, "processing")
	h.ledger.set(3, "delivered")

	armed, err := h.svc.RearmAll(context.Background())
	if err != nil {
		t.Fatalf("RearmAll error: %v", err)
	}
	if armed != 2 {
		t.Fatalf("armed = %d, want 2", armed)
	}
	if got := h.svc.Active(); got != 2 {
		t.Fatalf("Active() = %d, want 2", got)
	}

	// Idempotent: a second sweep finds nothing to do.
	armed, err = h.svc.RearmAll(context.Background())
	if err != nil {
		t.Fatalf("RearmAll error: %v", err)
	}
	if armed != 0 {
		t.Fatalf("second sweep armed = %d, want 0", armed)
	}
}

func TestStartTimerBeforeEngineStartIsDropped(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, &fakeLedger{}, &fakeDirectory{}, &fakeChannel{}, &fakeSettings{}, nil, logx.Nop())
	svc.StartTimer(1) // engine not started; must not panic
	if got := svc.Active(); got != 0 {
		t.Fatalf("Active() = %d, want 0", got)
	}
}
