// Package history tracks every memory change as an append-only log and
// answers point-in-time queries.
package history

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/store"
)

// accessWindow caps Accessed entries to one per memory per window so hot
// memories cannot flood the log.
const accessWindow = time.Minute

// Tracker writes and reads history entries through the durable store.
type Tracker struct {
	store *store.Store
	clock model.Clock

	mu         sync.Mutex
	lastAccess map[string]time.Time
}

func NewTracker(s *store.Store, clock model.Clock) *Tracker {
	return &Tracker{
		store:      s,
		clock:      clock,
		lastAccess: make(map[string]time.Time),
	}
}

// Record appends a change entry. Structural changes are never rate limited.
func (t *Tracker) Record(ctx context.Context, e model.HistoryEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = t.clock.Now()
	}
	return t.store.AppendHistory(ctx, e)
}

// RecordAccess appends an Accessed entry unless one was written for this
// memory inside the rate window. Returns whether an entry was written.
func (t *Tracker) RecordAccess(ctx context.Context, memoryID string, version int) (bool, error) {
	now := t.clock.Now()

	t.mu.Lock()
	last, seen := t.lastAccess[memoryID]
	if seen && now.Sub(last) < accessWindow {
		t.mu.Unlock()
		return false, nil
	}
	t.mu.Unlock()

	if !seen {
		// Cold cache after restart: fall back to the persisted last entry.
		persisted, err := t.store.LastAccessEntry(ctx, memoryID)
		if err != nil {
			return false, err
		}
		if !persisted.IsZero() && now.Sub(persisted) < accessWindow {
			t.mu.Lock()
			t.lastAccess[memoryID] = persisted
			t.mu.Unlock()
			return false, nil
		}
	}

	err := t.store.AppendHistory(ctx, model.HistoryEntry{
		MemoryID:  memoryID,
		Version:   version,
		Kind:      model.ChangeAccessed,
		Timestamp: now,
	})
	if err != nil {
		return false, err
	}
	t.mu.Lock()
	t.lastAccess[memoryID] = now
	t.mu.Unlock()
	return true, nil
}

// Of returns the full change log for a memory, oldest first.
func (t *Tracker) Of(ctx context.Context, memoryID string) ([]model.HistoryEntry, error) {
	return t.store.HistoryOf(ctx, memoryID)
}

// AtVersion reconstructs the memory state as of the given version.
func (t *Tracker) AtVersion(ctx context.Context, memoryID string, version int) (*model.Memory, error) {
	return t.store.SnapshotAtVersion(ctx, memoryID, version)
}

// Prune drops Accessed entries older than the retention window. All other
// change kinds are kept forever.
func (t *Tracker) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := t.clock.Now().Add(-retention)
	n, err := t.store.PruneAccessedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[history] pruned %d accessed entries older than %s", n, retention)
	}
	return n, nil
}
