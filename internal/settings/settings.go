// Package settings exposes typed accessors over the operator-mutable
// key/value settings table.
//
// Reads fall back to the caller-supplied default on any storage error,
// so a flaky settings store degrades behavior instead of crashing a
// background task.
package settings

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"orderbot/internal/storage"
	"orderbot/pkg/logx"
)

// Well-known keys used by the escalation engine.
const (
	KeyEscalationTimeout  = "escalation.timeout"
	KeyEscalationInterval = "escalation.interval"
	KeyEscalationTemplate = "escalation.template"
)

// Store is the subset of the ledger the settings service uses.
type Store interface {
	Setting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}

type Service struct {
	store Store
	log   logx.Logger
}

func New(store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log}
}

// Text returns the raw value for key, or def when the key is absent or
// the store fails.
func (s *Service) Text(ctx context.Context, key, def string) string {
	v, err := s.store.Setting(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("settings read failed; using default", logx.String("key", key), logx.Err(err))
		}
		return def
	}
	return v
}

// Int returns the value for key parsed as an integer, or def when the
// key is absent, malformed, or the store fails.
func (s *Service) Int(ctx context.Context, key string, def int) int {
	v, err := s.store.Setting(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("settings read failed; using default", logx.String("key", key), logx.Err(err))
		}
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		s.log.Warn("settings value is not an integer; using default", logx.String("key", key), logx.String("value", v))
		return def
	}
	return n
}

// Duration returns the value for key parsed as a Go duration string
// (e.g. "90s", "10m"). Bare integers are accepted as minutes for
// operator convenience.
func (s *Service) Duration(ctx context.Context, key string, def time.Duration) time.Duration {
	v, err := s.store.Setting(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("settings read failed; using default", logx.String("key", key), logx.Err(err))
		}
		return def
	}
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return def
		}
		return time.Duration(n) * time.Minute
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		s.log.Warn("settings value is not a duration; using default", logx.String("key", key), logx.String("value", v))
		return def
	}
	return d
}

// Put stores a raw value for key.
func (s *Service) Put(ctx context.Context, key, value string) error {
	return s.store.PutSetting(ctx, key, value)
}
