package storage

import (
	"errors"
	"time"

	"orderbot/internal/directory"
	"orderbot/internal/transport"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Config configures the ledger database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// JobStatus is the broadcast job lifecycle. Transitions only go
// pending -> completed, never backward.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
)

// BroadcastJob is one operator-confirmed broadcast and its progress.
// Jobs are retained as history; the core never deletes them.
type BroadcastJob struct {
	ID          string
	Payload     transport.Payload
	Selector    directory.Selector
	Total       int
	Sent        int
	Status      JobStatus
	CreatedAt   time.Time
	CompletedAt time.Time // zero until completed
}
