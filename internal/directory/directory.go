// Package directory resolves which accounts (staff or end users)
// should receive a given notification or broadcast.
package directory

import (
	"context"
	"fmt"
	"time"

	"orderbot/internal/transport"
	"orderbot/pkg/logx"
)

// Store is the subset of the ledger the directory reads from.
type Store interface {
	ActiveStaff(ctx context.Context, role string) ([]transport.RecipientID, error)
	RecipientsAll(ctx context.Context) ([]transport.RecipientID, error)
	RecipientsActiveSince(ctx context.Context, since time.Time) ([]transport.RecipientID, error)
	RecipientsByRegion(ctx context.Context, region string) ([]transport.RecipientID, error)
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

// ActiveStaff returns the current notifiable staff for a role,
// filtered to active members.
func (s *Service) ActiveStaff(ctx context.Context, role string) ([]transport.RecipientID, error) {
	ids, err := s.store.ActiveStaff(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("active staff for %q: %w", role, err)
	}
	return dedup(ids), nil
}

// ResolveRecipients flattens a selector to a deduplicated recipient
// list. The result order is stable (store order, first occurrence wins).
func (s *Service) ResolveRecipients(ctx context.Context, sel Selector) ([]transport.RecipientID, error) {
	var (
		ids []transport.RecipientID
		err error
	)
	switch sel.Kind {
	case KindAllUsers:
		ids, err = s.store.RecipientsAll(ctx)
	case KindActiveSince:
		days := sel.Days
		if days <= 0 {
			days = 1
		}
		since := time.Now().AddDate(0, 0, -days)
		ids, err = s.store.RecipientsActiveSince(ctx, since)
	case KindByRegion:
		ids, err = s.store.RecipientsByRegion(ctx, sel.Region)
	default:
		return nil, fmt.Errorf("unknown selector kind %q", sel.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve recipients (%s): %w", sel.Kind, err)
	}
	out := dedup(ids)
	s.log.Debug("recipients resolved", logx.String("selector", string(sel.Kind)), logx.Int("count", len(out)))
	return out, nil
}

func dedup(ids []transport.RecipientID) []transport.RecipientID {
	seen := make(map[transport.RecipientID]struct{}, len(ids))
	out := make([]transport.RecipientID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
