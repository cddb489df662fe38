package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dagonet/internal/qualifier"
)

type registryKey struct {
	marketID string
	answerID string
	outcome  string
}

// Registry tracks live counterbets so strategies can avoid re-countering
// a position that is already open. Entries expire after the TTL; placing
// again on the same key refreshes the timestamp.
type Registry struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[registryKey]time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		ttl:     ttl,
		entries: make(map[registryKey]time.Time),
	}
}

// Record marks a counterbet as live, overwriting any previous entry.
func (r *Registry) Record(marketID, answerID, outcome string) {
	key := registryKey{marketID: marketID, answerID: answerID, outcome: outcome}
	r.mu.Lock()
	r.entries[key] = time.Now()
	r.mu.Unlock()
}

// Snapshot returns the live entries for one market.
func (r *Registry) Snapshot(marketID string) []qualifier.CounterbetEntry {
	now := time.Now()
	var snapshot []qualifier.CounterbetEntry

	r.mu.Lock()
	for key, placedAt := range r.entries {
		if key.marketID != marketID || now.Sub(placedAt) > r.ttl {
			continue
		}
		snapshot = append(snapshot, qualifier.CounterbetEntry{
			MarketID: key.marketID,
			AnswerID: key.answerID,
			Outcome:  key.outcome,
			PlacedAt: placedAt,
		})
	}
	r.mu.Unlock()
	return snapshot
}

// Prune removes expired entries and returns how many were dropped.
func (r *Registry) Prune() int {
	now := time.Now()
	pruned := 0

	r.mu.Lock()
	for key, placedAt := range r.entries {
		if now.Sub(placedAt) > r.ttl {
			delete(r.entries, key)
			pruned++
		}
	}
	r.mu.Unlock()
	return pruned
}

// RunPruner prunes on the given interval until ctx is cancelled.
func (r *Registry) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pruned := r.Prune(); pruned > 0 {
				slog.Debug("pruned expired counterbets", "count", pruned)
			}
		}
	}
}
