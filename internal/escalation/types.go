package escalation

import (
	"context"
	"sync"
	"time"

	"orderbot/internal/eventbus"
	"orderbot/internal/runtime/supervisor"
	"orderbot/internal/transport"
	"orderbot/pkg/logx"
)

// Ledger is the subset of order storage the engine reads.
type Ledger interface {
	OrderStatus(ctx context.Context, orderID int64) (string, error)
	OrdersInStatus(ctx context.Context, status string) ([]int64, error)
}

// Directory resolves the staff to nag.
type Directory interface {
	ActiveStaff(ctx context.Context, role string) ([]transport.RecipientID, error)
}

// Settings supplies the operator-tunable escalation knobs. Reads must
// fall back to the given default on failure.
type Settings interface {
	Duration(ctx context.Context, key string, def time.Duration) time.Duration
	Text(ctx context.Context, key, def string) string
}

// Config controls the engine. Defaults apply whenever the settings
// store has no value (or is unreachable).
type Config struct {
	Status string // order status that keeps a timer alive
	Role   string // staff role receiving the nags

	DefaultInitialDelay   time.Duration
	DefaultRepeatInterval time.Duration
	DefaultTemplate       string
}

func (c Config) withDefaults() Config {
	if c.Status == "" {
		c.Status = "processing"
	}
	if c.Role == "" {
		c.Role = "courier"
	}
	if c.DefaultInitialDelay <= 0 {
		c.DefaultInitialDelay = 15 * time.Minute
	}
	if c.DefaultRepeatInterval <= 0 {
		c.DefaultRepeatInterval = 10 * time.Minute
	}
	if c.DefaultTemplate == "" {
		c.DefaultTemplate = defaultTemplate
	}
	return c
}

// snapshot is the settings state captured when a timer is armed.
// Changing settings mid-flight affects only timers started afterward.
type snapshot struct {
	initialDelay   time.Duration
	repeatInterval time.Duration
	template       string
}

// timer is one live per-order escalation. Stop is signalled at most
// once; self-termination never closes it.
type timer struct {
	orderID  int64
	stop     chan struct{}
	stopOnce sync.Once
}

func (t *timer) signalStop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

type Service struct {
	cfg      Config
	ledger   Ledger
	dir      Directory
	channel  transport.Channel
	settings Settings
	bus      eventbus.Bus
	log      logx.Logger

	mu     sync.Mutex
	runCtx context.Context
	sup    *supervisor.Supervisor
	timers map[int64]*timer
}

// FireEvent is published on the bus for every delivered escalation fire.
type FireEvent struct {
	OrderID  int64
	Count    int
	Elapsed  time.Duration
	Notified int
}

// StopEvent is published when a timer leaves the registry.
type StopEvent struct {
	OrderID int64
	Reason  string // "cancelled", "status_changed", "order_missing", "shutdown"
	Fires   int
}
