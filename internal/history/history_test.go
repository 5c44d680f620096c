package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/store"
)

func setup(t *testing.T) (*Tracker, *model.FixedClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engram.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	clock := model.NewFixedClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewTracker(s, clock), clock
}

func TestRecordAccessRateCap(t *testing.T) {
	tr, clock := setup(t)
	ctx := context.Background()

	wrote, err := tr.RecordAccess(ctx, "m1", 1)
	if err != nil {
		t.Fatalf("record access: %v", err)
	}
	if !wrote {
		t.Fatal("first access should be recorded")
	}

	// Within the window: suppressed.
	clock.Advance(30 * time.Second)
	wrote, err = tr.RecordAccess(ctx, "m1", 1)
	if err != nil {
		t.Fatalf("record access: %v", err)
	}
	if wrote {
		t.Fatal("access inside the window should be suppressed")
	}

	// Another memory is independent.
	wrote, err = tr.RecordAccess(ctx, "m2", 1)
	if err != nil {
		t.Fatalf("record access: %v", err)
	}
	if !wrote {
		t.Fatal("different memory should not share the rate window")
	}

	// Past the window: recorded again.
	clock.Advance(31 * time.Second)
	wrote, err = tr.RecordAccess(ctx, "m1", 1)
	if err != nil {
		t.Fatalf("record access: %v", err)
	}
	if !wrote {
		t.Fatal("access past the window should be recorded")
	}

	entries, err := tr.Of(ctx, "m1")
	if err != nil {
		t.Fatalf("of: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
}

func TestRecordAccessColdCacheUsesPersistedEntry(t *testing.T) {
	tr, clock := setup(t)
	ctx := context.Background()

	if _, err := tr.RecordAccess(ctx, "m1", 1); err != nil {
		t.Fatalf("record access: %v", err)
	}

	// Fresh tracker over the same store simulates a restart.
	tr2 := NewTracker(tr.store, clock)
	clock.Advance(10 * time.Second)
	wrote, err := tr2.RecordAccess(ctx, "m1", 1)
	if err != nil {
		t.Fatalf("record access: %v", err)
	}
	if wrote {
		t.Fatal("restart must not reset the rate window")
	}
}

func TestAtVersion(t *testing.T) {
	tr, clock := setup(t)
	ctx := context.Background()
	now := clock.Now()

	m, err := model.NewMemory("m1", model.GlobalScope(), model.TypeSemantic, "first", 0.5, now)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	if err := tr.Record(ctx, model.HistoryEntry{
		MemoryID: "m1", Version: 1, Kind: model.ChangeCreated, After: m,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	v2 := m.Clone()
	v2.Content = "second"
	v2.Version = 2
	clock.Advance(time.Hour)
	if err := tr.Record(ctx, model.HistoryEntry{
		MemoryID: "m1", Version: 2, Kind: model.ChangeContentUpdated, Before: m, After: v2,
	}); err != nil {
		t.Fatalf("record v2: %v", err)
	}

	snap, err := tr.AtVersion(ctx, "m1", 1)
	if err != nil {
		t.Fatalf("at version: %v", err)
	}
	if snap.Content != "first" {
		t.Errorf("v1 content = %q, want first", snap.Content)
	}
	snap, err = tr.AtVersion(ctx, "m1", 2)
	if err != nil {
		t.Fatalf("at version 2: %v", err)
	}
	if snap.Content != "second" {
		t.Errorf("v2 content = %q, want second", snap.Content)
	}
}

func TestPruneOnlyTouchesAccessed(t *testing.T) {
	tr, clock := setup(t)
	ctx := context.Background()

	if err := tr.Record(ctx, model.HistoryEntry{
		MemoryID: "m1", Version: 1, Kind: model.ChangeCreated,
	}); err != nil {
		t.Fatalf("record created: %v", err)
	}
	if _, err := tr.RecordAccess(ctx, "m1", 1); err != nil {
		t.Fatalf("record access: %v", err)
	}

	clock.Advance(31 * 24 * time.Hour)
	pruned, err := tr.Prune(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	entries, err := tr.Of(ctx, "m1")
	if err != nil {
		t.Fatalf("of: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != model.ChangeCreated {
		t.Fatalf("remaining = %v, want single created entry", entries)
	}
}
