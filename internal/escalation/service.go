// Package escalation nags on-duty staff about orders stuck in one
// status, re-notifying on a cadence until the order moves on or the
// timer is cancelled.
//
// The engine owns an in-memory registry with at most one live timer per
// order. Timers are volatile: a restart drops them, and RearmAll is the
// recovery path.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderbot/internal/eventbus"
	"orderbot/internal/runtime/supervisor"
	"orderbot/internal/settings"
	"orderbot/internal/storage"
	"orderbot/internal/transport"
	"orderbot/pkg/logx"
)

func New(cfg Config, ledger Ledger, dir Directory, channel transport.Channel, settings Settings, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		ledger:   ledger,
		dir:      dir,
		channel:  channel,
		settings: settings,
		bus:      bus,
		log:      log,
		timers:   map[int64]*timer{},
	}
}

// Start arms the engine. Timers can only be created while the engine is
// running; StartTimer calls before Start are dropped with a log line.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.runCtx = s.sup.Context()
	s.log.Info("escalation engine started",
		logx.String("status", s.cfg.Status),
		logx.String("role", s.cfg.Role))
}

// Stop signals every live timer and waits for their goroutines, bounded
// by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.runCtx = nil
	for _, tm := range s.timers {
		tm.signalStop()
	}
	s.timers = map[int64]*timer{}
	s.mu.Unlock()

	if sup != nil {
		_ = sup.Stop(ctx)
	}
	s.log.Info("escalation engine stopped")
}

// StartTimer idempotently (re)arms escalation for an order. An existing
// timer for the same order is retired first, so at most one live timer
// exists per order at any instant. The settings snapshot is captured
// here; later settings changes affect only timers started afterward.
//
// Starting a timer for an unknown order is not an error: the first fire
// finds no order and terminates quietly.
func (s *Service) StartTimer(orderID int64) {
	s.mu.Lock()
	runCtx := s.runCtx
	sup := s.sup
	if runCtx == nil {
		s.mu.Unlock()
		s.log.Debug("engine not running; timer dropped", logx.Int64("order", orderID))
		return
	}
	if old := s.timers[orderID]; old != nil {
		old.signalStop()
	}
	tm := &timer{orderID: orderID, stop: make(chan struct{})}
	s.timers[orderID] = tm
	s.mu.Unlock()

	snap := s.snapshot(runCtx)
	s.log.Debug("escalation timer armed",
		logx.Int64("order", orderID),
		logx.Duration("initial_delay", snap.initialDelay),
		logx.Duration("repeat_interval", snap.repeatInterval))

	sup.Go(fmt.Sprintf("escalation.timer.%d", orderID), func(ctx context.Context) {
		s.runTimer(ctx, tm, snap)
	})
}

// CancelTimer is idempotent; cancelling an unknown order is a no-op.
// A fire already in flight may complete, but no further fire is
// scheduled once cancellation is observed.
func (s *Service) CancelTimer(orderID int64) {
	s.mu.Lock()
	tm := s.timers[orderID]
	if tm != nil {
		delete(s.timers, orderID)
	}
	s.mu.Unlock()
	if tm == nil {
		return
	}
	tm.signalStop()
	s.log.Debug("escalation timer cancelled", logx.Int64("order", orderID))
}

// Active reports the number of live timers.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// RearmAll starts a timer for every order currently in the escalatable
// status that has none. Used at boot (in-flight timers are not
// persisted) and by the periodic sweep. Safe to call repeatedly.
func (s *Service) RearmAll(ctx context.Context) (int, error) {
	ids, err := s.ledger.OrdersInStatus(ctx, s.cfg.Status)
	if err != nil {
		return 0, fmt.Errorf("list %s orders: %w", s.cfg.Status, err)
	}
	armed := 0
	for _, id := range ids {
		s.mu.Lock()
		_, have := s.timers[id]
		s.mu.Unlock()
		if have {
			continue
		}
		s.StartTimer(id)
		armed++
	}
	if armed > 0 {
		s.log.Info("escalation timers re-armed", logx.Int("count", armed))
	}
	return armed, nil
}

func (s *Service) snapshot(ctx context.Context) snapshot {
	return snapshot{
		initialDelay:   s.settings.Duration(ctx, settings.KeyEscalationTimeout, s.cfg.DefaultInitialDelay),
		repeatInterval: s.settings.Duration(ctx, settings.KeyEscalationInterval, s.cfg.DefaultRepeatInterval),
		template:       s.settings.Text(ctx, settings.KeyEscalationTemplate, s.cfg.DefaultTemplate),
	}
}

// runTimer is the per-order fire loop: wait, check status, notify,
// reschedule. Fires are strictly sequential within one order.
func (s *Service) runTimer(ctx context.Context, tm *timer, snap snapshot) {
	delay := snap.initialDelay
	count := 0
	for {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			s.retire(tm, "shutdown", count)
			return
		case <-tm.stop:
			if !t.Stop() {
				<-t.C
			}
			s.retire(tm, "cancelled", count)
			return
		case <-t.C:
		}

		status, err := s.ledger.OrderStatus(ctx, tm.orderID)
		if err != nil {
			// Fail-safe: a missing or unreadable order stops the nagging
			// rather than looping forever.
			reason := "order_missing"
			if !isNotFound(err) {
				s.log.Warn("order status read failed; stopping timer", logx.Int64("order", tm.orderID), logx.Err(err))
			}
			s.retire(tm, reason, count)
			return
		}
		if status != s.cfg.Status {
			s.retire(tm, "status_changed", count)
			return
		}

		count++
		elapsed := snap.initialDelay + time.Duration(count-1)*snap.repeatInterval
		text := renderTemplate(snap.template, tm.orderID, elapsed, count)

		notified := 0
		staff, err := s.dir.ActiveStaff(ctx, s.cfg.Role)
		if err != nil {
			s.log.Warn("staff lookup failed; fire skipped", logx.Int64("order", tm.orderID), logx.Err(err))
		}
		for _, id := range staff {
			if err := s.channel.Send(ctx, id, transport.Payload{Text: text}); err != nil {
				// Best-effort: one unreachable staff member aborts
				// neither the others nor the timer.
				s.log.Warn("escalation notify failed",
					logx.Int64("order", tm.orderID),
					logx.Int64("staff", int64(id)),
					logx.Err(err))
				continue
			}
			notified++
		}

		s.log.Info("escalation fired",
			logx.Int64("order", tm.orderID),
			logx.Int("count", count),
			logx.Duration("elapsed", elapsed),
			logx.Int("notified", notified))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{
				Type: eventbus.EscalationFired,
				Data: FireEvent{OrderID: tm.orderID, Count: count, Elapsed: elapsed, Notified: notified},
			})
		}

		delay = snap.repeatInterval
	}
}

// retire removes tm from the registry if it is still the registered
// timer for its order (a replacement armed by StartTimer stays).
func (s *Service) retire(tm *timer, reason string, fires int) {
	s.mu.Lock()
	if cur, ok := s.timers[tm.orderID]; ok && cur == tm {
		delete(s.timers, tm.orderID)
	}
	s.mu.Unlock()

	s.log.Debug("escalation timer retired",
		logx.Int64("order", tm.orderID),
		logx.String("reason", reason),
		logx.Int("fires", fires))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.EscalationStopped,
			Data: StopEvent{OrderID: tm.orderID, Reason: reason, Fires: fires},
		})
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
