// Package app wires the bot together: config, logging, the ledger, the
// Telegram delivery channel, and the two background engines.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"orderbot/internal/broadcast"
	"orderbot/internal/config"
	"orderbot/internal/directory"
	"orderbot/internal/escalation"
	"orderbot/internal/eventbus"
	"orderbot/internal/runtime/supervisor"
	"orderbot/internal/settings"
	"orderbot/internal/storage"
	"orderbot/internal/transport"
	"orderbot/internal/transport/telegram"
	"orderbot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	log    logx.Logger

	db       *storage.DB
	settings *settings.Service
	dir      *directory.Service
	adapter  *telegram.Adapter
	bus      eventbus.Bus

	escalation *escalation.Service
	broadcast  *broadcast.Service

	cron *cron.Cron
	sup  *supervisor.Supervisor

	escStatus string
	sweepSpec string
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout},
		log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	tgTimeout, err := config.ParseDurationField("telegram.timeout", cfg.Telegram.Timeout)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:     cfg.Telegram.Token,
		ParseMode: cfg.Telegram.ParseMode,
		Timeout:   tgTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("init telegram: %w", err)
	}

	escCfg, err := escalationConfig(cfg.Escalation)
	if err != nil {
		return nil, err
	}

	set := settings.New(db, log.With(logx.String("comp", "settings")))
	dir := directory.New(db, log.With(logx.String("comp", "directory")))
	bus := eventbus.New()

	a := &App{
		cfgMgr:    mgr,
		log:       log,
		db:        db,
		settings:  set,
		dir:       dir,
		adapter:   adapter,
		bus:       bus,
		escStatus: escCfg.Status,
		sweepSpec: cfg.Escalation.Sweep,
	}
	a.escalation = escalation.New(escCfg, db, dir, adapter, set, bus,
		log.With(logx.String("comp", "escalation")))
	a.broadcast = broadcast.New(broadcast.Config{RatePerSec: cfg.Broadcast.RatePerSec},
		db, dir, adapter, bus, log.With(logx.String("comp", "broadcast")))
	return a, nil
}

func escalationConfig(c config.EscalationConfig) (escalation.Config, error) {
	initial, err := config.ParseDurationField("escalation.initial_delay", c.InitialDelay)
	if err != nil {
		return escalation.Config{}, err
	}
	repeat, err := config.ParseDurationField("escalation.repeat_interval", c.RepeatInterval)
	if err != nil {
		return escalation.Config{}, err
	}
	cfg := escalation.Config{
		Status:                c.Status,
		Role:                  c.Role,
		DefaultInitialDelay:   initial,
		DefaultRepeatInterval: repeat,
		DefaultTemplate:       c.Template,
	}
	if cfg.Status == "" {
		cfg.Status = "processing"
	}
	return cfg, nil
}

// Start launches the background machinery: the escalation engine, the
// boot-time re-arm pass, the periodic sweep, and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	runCtx := a.sup.Context()

	a.escalation.Start(runCtx)

	// In-flight timers are not persisted; re-arm everything still stuck
	// in the escalatable status.
	if _, err := a.escalation.RearmAll(ctx); err != nil {
		a.log.Warn("boot re-arm failed", logx.Err(err))
	}

	if a.sweepSpec != "" {
		a.cron = cron.New()
		if _, err := a.cron.AddFunc(a.sweepSpec, func() {
			if _, err := a.escalation.RearmAll(runCtx); err != nil {
				a.log.Warn("escalation sweep failed", logx.Err(err))
			}
		}); err != nil {
			return fmt.Errorf("escalation.sweep spec %q: %w", a.sweepSpec, err)
		}
		a.cron.Start()
	}

	a.sup.Go("config.watch", func(c context.Context) {
		if err := a.cfgMgr.Watch(c); err != nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	})
	a.sup.Go("config.apply", func(c context.Context) {
		sub := a.cfgMgr.Subscribe(1)
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg := <-sub:
				if cfg == nil {
					continue
				}
				a.applyConfig(cfg)
			}
		}
	})
	a.sup.Go("events.trace", func(c context.Context) {
		ev, unsub := a.bus.Subscribe(32)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e := <-ev:
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies the reloadable subset. Token, storage path,
// and logging sinks need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.broadcast.Apply(broadcast.Config{RatePerSec: cfg.Broadcast.RatePerSec})
	a.log.Info("config applied", logx.Int("broadcast_rate", cfg.Broadcast.RatePerSec))
}

func (a *App) Stop(ctx context.Context) error {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	a.escalation.Stop(ctx)
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	err := a.db.Close()
	a.log.Info("app stopped")
	_ = a.log.Close()
	return err
}

// ---- entry points for the conversational layer ----

// OrderPlaced records a new order in the escalatable status and arms
// its escalation timer. Called on checkout completion.
func (a *App) OrderPlaced(ctx context.Context, orderID int64) error {
	if err := a.db.SetOrderStatus(ctx, orderID, a.escStatus); err != nil {
		return err
	}
	a.escalation.StartTimer(orderID)
	return nil
}

// OrderStatusChanged persists an admin status change and keeps the
// escalation registry in sync: leaving the escalatable status cancels
// the timer, (re)entering it re-arms.
func (a *App) OrderStatusChanged(ctx context.Context, orderID int64, status string) error {
	if err := a.db.SetOrderStatus(ctx, orderID, status); err != nil {
		return err
	}
	if status == a.escStatus {
		a.escalation.StartTimer(orderID)
	} else {
		a.escalation.CancelTimer(orderID)
	}
	return nil
}

// Dispatch persists an operator-confirmed broadcast and starts its
// single run in the background. The returned id is the ledger handle;
// run completion is observed through it.
func (a *App) Dispatch(ctx context.Context, payload transport.Payload, sel directory.Selector) (string, error) {
	if a.sup == nil {
		return "", errors.New("app is not started")
	}
	id, err := a.broadcast.Create(ctx, payload, sel)
	if err != nil {
		return "", err
	}
	a.sup.Go("broadcast.run."+id, func(c context.Context) {
		a.broadcast.Run(c, id)
	})
	return id, nil
}

func (a *App) Escalations() *escalation.Service { return a.escalation }
func (a *App) Broadcasts() *broadcast.Service   { return a.broadcast }
func (a *App) Settings() *settings.Service      { return a.settings }
func (a *App) Directory() *directory.Service    { return a.dir }
func (a *App) Store() *storage.DB               { return a.db }
