package store

import (
	"context"
	"testing"
	"time"

	"github.com/engramdev/engram/internal/errs"
	"github.com/engramdev/engram/internal/model"
)

func TestHistoryAppendAndRead(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	m := mustMemory(t, "m1", "Works remotely", model.GlobalScope(), now)
	if err := s.Create(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.AppendHistory(ctx, model.HistoryEntry{
		MemoryID: "m1", Version: 1, Kind: model.ChangeCreated, Timestamp: now, After: m,
	}); err != nil {
		t.Fatalf("append v1: %v", err)
	}

	v2 := m.Clone()
	v2.Content = "Works remotely from Lisbon"
	v2.Version = 2
	if err := s.AppendHistory(ctx, model.HistoryEntry{
		MemoryID: "m1", Version: 2, Kind: model.ChangeContentUpdated,
		Timestamp: now.Add(time.Hour), Before: m, After: v2,
	}); err != nil {
		t.Fatalf("append v2: %v", err)
	}

	entries, err := s.HistoryOf(ctx, "m1")
	if err != nil {
		t.Fatalf("history of: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Kind != model.ChangeCreated || entries[1].Kind != model.ChangeContentUpdated {
		t.Errorf("order wrong: %s then %s", entries[0].Kind, entries[1].Kind)
	}
	if entries[1].Before == nil || entries[1].Before.Content != "Works remotely" {
		t.Error("before snapshot missing or wrong")
	}
}

func TestSnapshotAtVersion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	m := mustMemory(t, "m1", "Original content", model.GlobalScope(), now)
	if err := s.AppendHistory(ctx, model.HistoryEntry{
		MemoryID: "m1", Version: 1, Kind: model.ChangeCreated, Timestamp: now, After: m,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	snap, err := s.SnapshotAtVersion(ctx, "m1", 1)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Content != "Original content" || snap.Version != 1 {
		t.Errorf("snapshot = v%d %q", snap.Version, snap.Content)
	}

	if _, err := s.SnapshotAtVersion(ctx, "m1", 5); !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("missing version err = %v, want not_found", err)
	}
}

func TestPruneAccessedKeepsStructuralEntries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-40 * 24 * time.Hour)

	entries := []model.HistoryEntry{
		{MemoryID: "m1", Version: 1, Kind: model.ChangeCreated, Timestamp: old},
		{MemoryID: "m1", Version: 1, Kind: model.ChangeAccessed, Timestamp: old},
		{MemoryID: "m1", Version: 1, Kind: model.ChangeAccessed, Timestamp: now},
	}
	for _, e := range entries {
		if err := s.AppendHistory(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	pruned, err := s.PruneAccessedBefore(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	remaining, err := s.HistoryOf(ctx, "m1")
	if err != nil {
		t.Fatalf("history of: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("remaining = %d, want 2", len(remaining))
	}
	for _, e := range remaining {
		if e.Kind == model.ChangeAccessed && e.Timestamp.Before(now.Add(-time.Minute)) {
			t.Error("old accessed entry survived prune")
		}
	}
}

func TestLastAccessEntry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ts, err := s.LastAccessEntry(ctx, "m1")
	if err != nil {
		t.Fatalf("last access: %v", err)
	}
	if !ts.IsZero() {
		t.Errorf("expected zero time, got %v", ts)
	}

	for _, at := range []time.Time{now, now.Add(2 * time.Minute)} {
		if err := s.AppendHistory(ctx, model.HistoryEntry{
			MemoryID: "m1", Version: 1, Kind: model.ChangeAccessed, Timestamp: at,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	ts, err = s.LastAccessEntry(ctx, "m1")
	if err != nil {
		t.Fatalf("last access: %v", err)
	}
	if !ts.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("last access = %v, want %v", ts, now.Add(2*time.Minute))
	}
}
