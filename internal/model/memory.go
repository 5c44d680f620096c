// Package model defines the core memory data types and their invariants.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/engramdev/engram/internal/errs"
)

// MemoryType classifies what a memory records.
type MemoryType string

const (
	TypeEpisodic   MemoryType = "episodic"
	TypeSemantic   MemoryType = "semantic"
	TypeProcedural MemoryType = "procedural"
	TypeWorking    MemoryType = "working"
)

// ValidTypes are the allowed memory types.
var ValidTypes = map[MemoryType]bool{
	TypeEpisodic:   true,
	TypeSemantic:   true,
	TypeProcedural: true,
	TypeWorking:    true,
}

// Level is the derived memory tier. It is recomputed from age and
// importance, never stored.
type Level string

const (
	LevelShortTerm Level = "short_term"
	LevelLongTerm  Level = "long_term"
)

// State is the lifecycle state of a memory.
type State string

const (
	StateActive     State = "active"
	StateDeprecated State = "deprecated"
	StateExpired    State = "expired"
	StateMerged     State = "merged"
	StateSuperseded State = "superseded"
)

// Decay constants for effective importance.
const (
	decayLambda = 0.01
	accessKappa = 0.1

	// longTermAgeDays and longTermImportance gate promotion to LevelLongTerm.
	longTermAgeDays    = 7.0
	longTermImportance = 0.6
)

// Memory is the atomic stored unit.
type Memory struct {
	ID         string     `json:"id"`
	Scope      Scope      `json:"scope"`
	Type       MemoryType `json:"memory_type"`
	State      State      `json:"state"`
	Content    string     `json:"content"`
	Embedding  []float32  `json:"embedding,omitempty"`
	Importance float64    `json:"importance"`

	AccessCount    int        `json:"access_count"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`

	Version int    `json:"version"`
	Hash    string `json:"hash"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	Entities  []string       `json:"entities,omitempty"`
	Relations []Relation     `json:"relations,omitempty"`

	// RedirectID points at the surviving memory after a merge or supersede.
	RedirectID string `json:"redirect_id,omitempty"`

	// SemanticHash is stable across compressions of semantically equivalent
	// content; set by the compression engine.
	SemanticHash string `json:"semantic_hash,omitempty"`
}

// Relation is a typed edge extracted from content, used by graph-flavored
// retrieval signals.
type Relation struct {
	Subject   string  `json:"subject"`
	Predicate string  `json:"predicate"`
	Object    string  `json:"object"`
	Weight    float64 `json:"weight,omitempty"`
}

// NewMemory builds a memory with invariants enforced: content is
// canonicalized and non-empty, importance clamped to [0,1], hash derived
// from content+metadata, version starts at 1.
func NewMemory(id string, scope Scope, typ MemoryType, content string, importance float64, now time.Time) (*Memory, error) {
	canonical := CanonicalizeContent(content)
	if canonical == "" {
		return nil, errs.New(errs.KindValidation, "empty memory content")
	}
	if !ValidTypes[typ] {
		return nil, errs.Newf(errs.KindValidation, "unknown memory type %q", typ)
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	m := &Memory{
		ID:             id,
		Scope:          scope,
		Type:           typ,
		State:          StateActive,
		Content:        canonical,
		Importance:     ClampImportance(importance),
		CreatedAt:      now,
		LastAccessedAt: now,
		Version:        1,
	}
	m.Hash = ContentHash(m.Content, m.Metadata)
	return m, nil
}

// ClampImportance bounds v into [0,1].
func ClampImportance(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Validate rejects inconsistent state before any write.
func (m *Memory) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return errs.New(errs.KindValidation, "empty memory content")
	}
	if m.Importance < 0 || m.Importance > 1 {
		return errs.Newf(errs.KindValidation, "importance out of range: %f", m.Importance)
	}
	if m.ExpiresAt != nil && m.ExpiresAt.Before(m.CreatedAt) {
		return errs.New(errs.KindValidation, "expires_at precedes created_at")
	}
	if m.LastAccessedAt.Before(m.CreatedAt) {
		return errs.New(errs.KindValidation, "last_accessed_at precedes created_at")
	}
	return m.Scope.Validate()
}

// EffectiveImportance returns the decay- and access-adjusted score used for
// ranking: base * exp(-lambda*age_days) * (1 + kappa*ln(1+access_count)),
// clamped to [0,1]. The stored base importance is never rewritten.
func (m *Memory) EffectiveImportance(now time.Time) float64 {
	ageDays := now.Sub(m.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	decay := math.Exp(-decayLambda * ageDays)
	access := 1 + accessKappa*math.Log(1+float64(m.AccessCount))
	return ClampImportance(m.Importance * decay * access)
}

// CurrentLevel derives the tier from age and importance.
func (m *Memory) CurrentLevel(now time.Time) Level {
	ageDays := now.Sub(m.CreatedAt).Hours() / 24
	if ageDays >= longTermAgeDays || m.Importance >= longTermImportance {
		return LevelLongTerm
	}
	return LevelShortTerm
}

// ImportanceLevel buckets a score the way the stats surface reports it.
type ImportanceLevel string

const (
	ImportanceLow      ImportanceLevel = "low"
	ImportanceMedium   ImportanceLevel = "medium"
	ImportanceHigh     ImportanceLevel = "high"
	ImportanceCritical ImportanceLevel = "critical"
)

// BucketImportance maps a score to its level.
func BucketImportance(score float64) ImportanceLevel {
	switch {
	case score >= 0.8:
		return ImportanceCritical
	case score >= 0.6:
		return ImportanceHigh
	case score >= 0.4:
		return ImportanceMedium
	default:
		return ImportanceLow
	}
}

// Expired reports whether the memory's expiry has passed.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Accessible reports whether the memory may be returned to a caller in the
// given scope: not expired, not retired, scope predicate matches.
func (m *Memory) Accessible(caller Scope, now time.Time) bool {
	if m.Expired(now) {
		return false
	}
	switch m.State {
	case StateActive:
	default:
		return false
	}
	return m.Scope.Contains(caller)
}

// Retired reports whether the memory has left the active set but remains
// readable by id (merged/superseded redirect to their target).
func (m *Memory) Retired() bool {
	switch m.State {
	case StateMerged, StateSuperseded, StateDeprecated, StateExpired:
		return true
	}
	return false
}

// Clone returns a deep copy safe to mutate.
func (m *Memory) Clone() *Memory {
	out := *m
	if m.Embedding != nil {
		out.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Entities = append([]string(nil), m.Entities...)
	out.Relations = append([]Relation(nil), m.Relations...)
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

var whitespaceRegex = regexp.MustCompile(`\s+`)

// CanonicalizeContent collapses whitespace and normalizes terminal
// punctuation so hashing and dedup are stable across cosmetic variants.
func CanonicalizeContent(content string) string {
	c := whitespaceRegex.ReplaceAllString(strings.TrimSpace(content), " ")
	c = strings.TrimRight(c, ".!?。！？ ")
	return c
}

// ContentHash derives the dedup hash from canonical content plus normalized
// metadata. Two memories with equal hash in the same scope must not coexist.
func ContentHash(content string, metadata map[string]any) string {
	h := sha256.New()
	h.Write([]byte(CanonicalizeContent(content)))
	h.Write([]byte{0x1f})
	if len(metadata) > 0 {
		keys := make([]string, 0, len(metadata))
		for k := range metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{'='})
			b, _ := json.Marshal(metadata[k])
			h.Write(b)
			h.Write([]byte{0x1e})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func errMissingScopeID(field string) error {
	return errs.Newf(errs.KindValidation, "scope missing %s", field)
}

func errUnknownScopeKind(kind string) error {
	return errs.Newf(errs.KindValidation, "unknown scope kind %q", kind)
}
