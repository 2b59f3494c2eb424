// Package unread derives unread message counts. Counts are always recomputed
// from the backend, never incremented locally, so read-state changes made on
// another device or tab cannot cause drift.
package unread

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"parley/internal/backend"
)

const DefaultPollInterval = 30 * time.Second

// Counts is a snapshot of unread totals for the current scope.
type Counts struct {
	Total        int
	Counterparty int
}

// Maintainer refreshes unread counts on a fixed interval and on demand when a
// push event invalidates them.
type Maintainer struct {
	querier      backend.Querier
	selfID       string
	pollInterval time.Duration

	mu             sync.Mutex
	counterpartyID string
	counts         Counts

	invalidate chan struct{}
}

type Config struct {
	Querier      backend.Querier
	SelfID       string
	PollInterval time.Duration
}

func NewMaintainer(config Config) *Maintainer {
	interval := config.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Maintainer{
		querier:      config.Querier,
		selfID:       config.SelfID,
		pollInterval: interval,
		invalidate:   make(chan struct{}, 1),
	}
}

// SetCounterparty scopes the per-counterparty count. Empty clears the scope.
func (m *Maintainer) SetCounterparty(id string) {
	m.mu.Lock()
	m.counterpartyID = id
	m.mu.Unlock()
}

// Refresh recomputes both the global count and, when a counterparty is
// selected, the per-counterparty count from the source of truth.
func (m *Maintainer) Refresh(ctx context.Context) error {
	m.mu.Lock()
	counterpartyID := m.counterpartyID
	m.mu.Unlock()

	total, err := m.querier.CountUnread(ctx, m.selfID, "")
	if err != nil {
		return err
	}

	scoped := 0
	if counterpartyID != "" {
		scoped, err = m.querier.CountUnread(ctx, m.selfID, counterpartyID)
		if err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.counts = Counts{Total: total, Counterparty: scoped}
	m.mu.Unlock()
	return nil
}

// Counts returns the last refreshed snapshot.
func (m *Maintainer) Counts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts
}

// Invalidate requests an immediate refresh from the Run loop. It never
// blocks; coalescing multiple invalidations into one refresh is fine since
// the refresh re-derives from the source of truth anyway.
func (m *Maintainer) Invalidate() {
	select {
	case m.invalidate <- struct{}{}:
	default:
	}
}

// Run refreshes on the poll interval and on invalidation until ctx ends.
func (m *Maintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-m.invalidate:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := m.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("unread refresh failed", "self_id", m.selfID, "error", err)
		}
	}
}
