package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"orderbot/internal/directory"
	"orderbot/internal/eventbus"
	"orderbot/internal/storage"
	"orderbot/internal/transport"
	"orderbot/pkg/logx"
)

// Ledger is the subset of storage the dispatch engine uses. Progress
// fields of a job are mutated only by that job's single Run invocation.
type Ledger interface {
	CreateBroadcast(ctx context.Context, job storage.BroadcastJob) error
	Broadcast(ctx context.Context, id string) (storage.BroadcastJob, error)
	SetBroadcastTotal(ctx context.Context, id string, total int) error
	SetBroadcastProgress(ctx context.Context, id string, sent int, status storage.JobStatus, completedAt time.Time) error
	ListBroadcasts(ctx context.Context, limit int) ([]storage.BroadcastJob, error)
}

// Resolver flattens a target selector to recipient identities.
type Resolver interface {
	ResolveRecipients(ctx context.Context, sel directory.Selector) ([]transport.RecipientID, error)
}

// Config controls the dispatch engine.
type Config struct {
	// RatePerSec is the implicit rate budget of the delivery channel;
	// sends are paced to stay under it (burst of one, so the
	// inter-message delay is fixed).
	RatePerSec int
}

// checkpointEvery bounds ledger write amplification: progress is
// persisted per batch of successful sends, not per message.
const checkpointEvery = 10

type Service struct {
	ledger   Ledger
	resolver Resolver
	channel  transport.Channel
	bus      eventbus.Bus
	log      logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

// FinishedEvent is published on the bus when a run completes.
type FinishedEvent struct {
	JobID    string
	Total    int
	Sent     int
	Failed   int
	Retried  int
	Duration time.Duration
}
