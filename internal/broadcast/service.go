// Package broadcast fans a single logical message out to a large
// recipient list through a rate-limited delivery channel.
//
// One persisted job gets exactly one Run. Recipients are processed
// strictly in list order with no parallel fan-out: bounded, predictable
// load on the channel beats throughput here. Transient rate-limit
// rejections are retried exactly once after the channel's mandatory
// wait; everything else skips the recipient and moves on.
package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"orderbot/internal/directory"
	"orderbot/internal/eventbus"
	"orderbot/internal/storage"
	"orderbot/internal/transport"
	"orderbot/pkg/logx"
)

func New(cfg Config, ledger Ledger, resolver Resolver, channel transport.Channel, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		ledger:   ledger,
		resolver: resolver,
		channel:  channel,
		bus:      bus,
		log:      log,
	}
	s.Apply(cfg)
	return s
}

// Apply updates the pacing budget. In-flight runs pick it up on their
// next send.
func (s *Service) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	s.mu.Unlock()
}

// Create persists a new pending job and returns its id. The recipient
// set is resolved later, at Run time.
func (s *Service) Create(ctx context.Context, payload transport.Payload, sel directory.Selector) (string, error) {
	if payload.Text == "" && payload.PhotoURL == "" {
		return "", errors.New("broadcast payload is empty")
	}
	job := storage.BroadcastJob{
		ID:        uuid.NewString(),
		Payload:   payload,
		Selector:  sel,
		Status:    storage.JobPending,
		CreatedAt: time.Now(),
	}
	if err := s.ledger.CreateBroadcast(ctx, job); err != nil {
		return "", err
	}
	s.log.Info("broadcast job created",
		logx.String("job", job.ID),
		logx.String("selector", string(sel.Kind)))
	return job.ID, nil
}

// History returns retained job records, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]storage.BroadcastJob, error) {
	return s.ledger.ListBroadcasts(ctx, limit)
}

// Run executes one job to completion. It is fire-and-forget: all
// failures are absorbed and logged, and completion is observed through
// the ledger. Not re-entrant for the same job id; the caller invokes it
// exactly once, immediately after Create.
func (s *Service) Run(ctx context.Context, jobID string) {
	start := time.Now()

	job, err := s.ledger.Broadcast(ctx, jobID)
	if err != nil {
		s.log.Error("broadcast job load failed", logx.String("job", jobID), logx.Err(err))
		return
	}
	if job.Status == storage.JobCompleted {
		s.log.Warn("broadcast job already completed; skipping run", logx.String("job", jobID))
		return
	}

	recipients, err := s.resolver.ResolveRecipients(ctx, job.Selector)
	if err != nil {
		s.log.Error("broadcast recipient resolution failed", logx.String("job", jobID), logx.Err(err))
		return
	}
	total := len(recipients)
	if err := s.ledger.SetBroadcastTotal(ctx, jobID, total); err != nil {
		s.log.Warn("broadcast total persist failed", logx.String("job", jobID), logx.Err(err))
	}
	s.log.Info("broadcast run started", logx.String("job", jobID), logx.Int("total", total))

	var sent, failed, retried int
	for _, to := range recipients {
		if ctx.Err() != nil {
			// Process shutdown. The job stays pending; operators decide
			// whether to re-run it.
			s.log.Warn("broadcast run interrupted",
				logx.String("job", jobID),
				logx.Int("sent", sent),
				logx.Int("total", total))
			return
		}
		ok, didRetry := s.sendOne(ctx, jobID, to, job.Payload)
		if didRetry {
			retried++
		}
		if !ok {
			failed++
			continue
		}
		sent++
		if sent%checkpointEvery == 0 {
			// Checkpoint failures are logged, never fatal: delivery
			// progress is worth more than a fresh counter.
			if err := s.ledger.SetBroadcastProgress(ctx, jobID, sent, storage.JobPending, time.Time{}); err != nil {
				s.log.Warn("broadcast checkpoint failed", logx.String("job", jobID), logx.Int("sent", sent), logx.Err(err))
			}
		}
	}

	completedAt := time.Now()
	if err := s.ledger.SetBroadcastProgress(ctx, jobID, sent, storage.JobCompleted, completedAt); err != nil {
		s.log.Error("broadcast completion persist failed", logx.String("job", jobID), logx.Err(err))
	}

	dur := time.Since(start)
	fields := []logx.Field{
		logx.String("job", jobID),
		logx.Int("total", total),
		logx.Int("sent", sent),
		logx.Int("failed", failed),
		logx.Duration("dur", dur),
	}
	if failed > 0 {
		s.log.Warn("broadcast run finished with failures", fields...)
	} else {
		s.log.Info("broadcast run finished", fields...)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.BroadcastFinished,
			Data: FinishedEvent{JobID: jobID, Total: total, Sent: sent, Failed: failed, Retried: retried, Duration: dur},
		})
	}
}

// sendOne delivers the payload to a single recipient: pace, send, and
// on a rate-limit rejection wait out the mandatory delay and retry
// exactly once.
func (s *Service) sendOne(ctx context.Context, jobID string, to transport.RecipientID, p transport.Payload) (ok, didRetry bool) {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return false, false
	}

	err := s.channel.Send(ctx, to, p)
	if err == nil {
		return true, false
	}

	after, transient := transport.RetryAfter(err)
	if !transient {
		s.log.Debug("broadcast send skipped (permanent failure)",
			logx.String("job", jobID),
			logx.Int64("chat_id", int64(to)),
			logx.Err(err))
		return false, false
	}

	s.log.Debug("broadcast send rate-limited; retrying once",
		logx.String("job", jobID),
		logx.Int64("chat_id", int64(to)),
		logx.Duration("retry_after", after))
	if !sleepCtx(ctx, after) {
		return false, false
	}
	if err := s.channel.Send(ctx, to, p); err != nil {
		s.log.Warn("broadcast send failed after retry",
			logx.String("job", jobID),
			logx.Int64("chat_id", int64(to)),
			logx.Err(err))
		return false, true
	}
	return true, true
}

// sleepCtx waits d, returning false when ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
