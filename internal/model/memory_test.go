package model

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestCanonicalizeContent(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"  User prefers   dark mode.  ", "User prefers dark mode"},
		{"User prefers dark mode!", "User prefers dark mode"},
		{"User\tprefers\ndark  mode", "User prefers dark mode"},
		{"likes coffee。", "likes coffee"},
		{"", ""},
		{"   \n\t  ", ""},
	}
	for _, c := range cases {
		if got := CanonicalizeContent(c.in); got != c.want {
			t.Errorf("CanonicalizeContent(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestContentHashStableAcrossCosmeticVariants(t *testing.T) {
	a := ContentHash("User prefers dark mode.", nil)
	b := ContentHash("  User   prefers dark mode  ", nil)
	if a != b {
		t.Fatalf("hash differs across cosmetic variants: %s vs %s", a, b)
	}
	c := ContentHash("User prefers dark mode", map[string]any{"source": "chat"})
	if a == c {
		t.Fatal("hash should differ when metadata differs")
	}
	d := ContentHash("User prefers dark mode", map[string]any{"source": "chat"})
	if c != d {
		t.Fatal("hash with identical metadata should match")
	}
}

func TestNewMemoryInvariants(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m, err := NewMemory("01A", UserScope("agent-1", "user-1"), TypeSemantic, "  Prefers   tea.  ", 1.7, now)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	if m.Content != "Prefers tea" {
		t.Errorf("content not canonicalized: %q", m.Content)
	}
	if m.Importance != 1.0 {
		t.Errorf("importance not clamped: %f", m.Importance)
	}
	if m.Version != 1 || m.State != StateActive {
		t.Errorf("unexpected version/state: %d %s", m.Version, m.State)
	}
	if m.Hash == "" {
		t.Error("hash not derived")
	}

	if _, err := NewMemory("01B", GlobalScope(), TypeSemantic, "   ", 0.5, now); err == nil {
		t.Error("empty content should be rejected")
	}
	if _, err := NewMemory("01C", GlobalScope(), MemoryType("mystery"), "x", 0.5, now); err == nil {
		t.Error("unknown type should be rejected")
	}
	if _, err := NewMemory("01D", AgentScope(""), TypeSemantic, "x", 0.5, now); err == nil {
		t.Error("agent scope without id should be rejected")
	}
}

func TestEffectiveImportance(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := &Memory{Importance: 0.8, CreatedAt: now.AddDate(0, 0, -10), AccessCount: 5}

	want := 0.8 * math.Exp(-0.01*10) * (1 + 0.1*math.Log(6))
	if want > 1 {
		want = 1
	}
	got := m.EffectiveImportance(now)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("EffectiveImportance = %f, want %f", got, want)
	}

	// Fresh, never-accessed memory decays nothing.
	fresh := &Memory{Importance: 0.5, CreatedAt: now}
	if got := fresh.EffectiveImportance(now); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("fresh memory effective = %f, want 0.5", got)
	}

	// Heavy access never pushes past 1.
	hot := &Memory{Importance: 1.0, CreatedAt: now, AccessCount: 100000}
	if got := hot.EffectiveImportance(now); got > 1 {
		t.Fatalf("effective importance exceeded 1: %f", got)
	}
}

func TestCurrentLevel(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	young := &Memory{Importance: 0.3, CreatedAt: now.AddDate(0, 0, -2)}
	if lvl := young.CurrentLevel(now); lvl != LevelShortTerm {
		t.Errorf("young low-importance memory = %s, want short_term", lvl)
	}
	old := &Memory{Importance: 0.3, CreatedAt: now.AddDate(0, 0, -8)}
	if lvl := old.CurrentLevel(now); lvl != LevelLongTerm {
		t.Errorf("aged memory = %s, want long_term", lvl)
	}
	important := &Memory{Importance: 0.9, CreatedAt: now}
	if lvl := important.CurrentLevel(now); lvl != LevelLongTerm {
		t.Errorf("important memory = %s, want long_term", lvl)
	}
}

func TestBucketImportance(t *testing.T) {
	cases := []struct {
		score float64
		want  ImportanceLevel
	}{
		{0.1, ImportanceLow},
		{0.39, ImportanceLow},
		{0.4, ImportanceMedium},
		{0.6, ImportanceHigh},
		{0.8, ImportanceCritical},
		{1.0, ImportanceCritical},
	}
	for _, c := range cases {
		if got := BucketImportance(c.score); got != c.want {
			t.Errorf("BucketImportance(%f) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestScopeContains(t *testing.T) {
	session := SessionScope("a1", "u1", "s1")
	if !GlobalScope().Contains(session) {
		t.Error("global should contain any scope")
	}
	if !AgentScope("a1").Contains(session) {
		t.Error("agent scope should contain its sessions")
	}
	if AgentScope("a2").Contains(session) {
		t.Error("different agent should not match")
	}
	if !UserScope("a1", "u1").Contains(session) {
		t.Error("user scope should contain its sessions")
	}
	if UserScope("a1", "u2").Contains(session) {
		t.Error("different user should not match")
	}
	if !session.Contains(session) {
		t.Error("scope should contain itself")
	}
	if SessionScope("a1", "u1", "s2").Contains(session) {
		t.Error("different session should not match")
	}
}

func TestAccessibleAndExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	caller := UserScope("a1", "u1")

	m := &Memory{State: StateActive, Scope: UserScope("a1", "u1"), CreatedAt: past}
	if !m.Accessible(caller, now) {
		t.Error("active in-scope memory should be accessible")
	}

	m.ExpiresAt = &past
	if !m.Expired(now) || m.Accessible(caller, now) {
		t.Error("expired memory should not be accessible")
	}

	m.ExpiresAt = nil
	m.State = StateSuperseded
	if m.Accessible(caller, now) {
		t.Error("superseded memory should not be accessible")
	}
	if !m.Retired() {
		t.Error("superseded memory should report retired")
	}
}

func TestIDGeneratorMonotonic(t *testing.T) {
	clock := NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	gen := NewIDGenerator(clock, rand.New(rand.NewSource(42)))

	prev := gen.NewID()
	for i := 0; i < 100; i++ {
		id := gen.NewID()
		if id <= prev {
			t.Fatalf("ids not strictly increasing: %s then %s", prev, id)
		}
		prev = id
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := &Memory{
		ID:        "m1",
		Embedding: []float32{1, 2, 3},
		Metadata:  map[string]any{"k": "v"},
		Entities:  []string{"alice"},
	}
	cp := orig.Clone()
	cp.Embedding[0] = 9
	cp.Metadata["k"] = "other"
	cp.Entities[0] = "bob"
	if orig.Embedding[0] != 1 || orig.Metadata["k"] != "v" || orig.Entities[0] != "alice" {
		t.Fatal("Clone shares backing storage with original")
	}
}
