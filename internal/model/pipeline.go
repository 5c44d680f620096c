package model

import "time"

// Message is one conversational turn fed into ingestion.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Fact is the intermediate output of extraction.
type Fact struct {
	Content       string     `json:"content"`
	Confidence    float64    `json:"confidence"`
	Category      MemoryType `json:"category"`
	Entities      []string   `json:"entities,omitempty"`
	Relations     []Relation `json:"relations,omitempty"`
	TemporalHints []string   `json:"temporal_hints,omitempty"`
	SourceMessage string     `json:"source_message_id,omitempty"`
}

// ImportanceFactors is the explicit breakdown behind an importance score.
type ImportanceFactors struct {
	ContentComplexity   float64 `json:"content_complexity"`
	EntityImportance    float64 `json:"entity_importance"`
	RelationImportance  float64 `json:"relation_importance"`
	TemporalRelevance   float64 `json:"temporal_relevance"`
	UserInteraction     float64 `json:"user_interaction"`
	ContextualRelevance float64 `json:"contextual_relevance"`
	EmotionalIntensity  float64 `json:"emotional_intensity"`
}

// Values returns the factors in declaration order.
func (f ImportanceFactors) Values() []float64 {
	return []float64{
		f.ContentComplexity,
		f.EntityImportance,
		f.RelationImportance,
		f.TemporalRelevance,
		f.UserInteraction,
		f.ContextualRelevance,
		f.EmotionalIntensity,
	}
}

// ImportanceEvaluation pairs a score with its factor breakdown.
type ImportanceEvaluation struct {
	Score      float64           `json:"score"`
	Confidence float64           `json:"confidence"`
	Factors    ImportanceFactors `json:"factors"`
	Reasoning  string            `json:"reasoning,omitempty"`
}

// ConflictKind classifies a detected conflict.
type ConflictKind string

const (
	ConflictContradiction  ConflictKind = "contradiction"
	ConflictDuplication    ConflictKind = "duplication"
	ConflictSubsumption    ConflictKind = "subsumption"
	ConflictStaleReference ConflictKind = "stale_reference"
)

// ResolutionStrategy is the recommended way to resolve a conflict.
type ResolutionStrategy string

const (
	PreferNewer         ResolutionStrategy = "prefer_newer"
	PreferMoreImportant ResolutionStrategy = "prefer_more_important"
	MergeAdditive       ResolutionStrategy = "merge_additive"
	SupersedeOld        ResolutionStrategy = "supersede_old"
	Escalate            ResolutionStrategy = "escalate"
)

// Conflict records a detected contradiction/duplication between a candidate
// fact and existing memories.
type Conflict struct {
	ID          string             `json:"id"`
	Kind        ConflictKind       `json:"kind"`
	InvolvedIDs []string           `json:"involved_ids"`
	FactIndex   int                `json:"fact_index"`
	Severity    float64            `json:"severity"`
	Confidence  float64            `json:"confidence"`
	Strategy    ResolutionStrategy `json:"recommended_strategy"`
	Description string             `json:"description,omitempty"`
}

// ActionKind is the mutation a decision commits.
type ActionKind string

const (
	ActionAdd       ActionKind = "add"
	ActionUpdate    ActionKind = "update"
	ActionMerge     ActionKind = "merge"
	ActionSupersede ActionKind = "supersede"
	ActionNoop      ActionKind = "noop"
)

// Patch is the partial update applied by ActionUpdate.
type Patch struct {
	Content    *string        `json:"content,omitempty"`
	Importance *float64       `json:"importance,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Decision is one planned action within a decision plan.
type Decision struct {
	Action     ActionKind `json:"action"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning,omitempty"`

	// Add
	Content    string         `json:"content,omitempty"`
	Importance float64        `json:"importance,omitempty"`
	Type       MemoryType     `json:"memory_type,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Entities   []string       `json:"entities,omitempty"`
	Relations  []Relation     `json:"relations,omitempty"`

	// Update / Supersede / Merge targets
	TargetID  string   `json:"target_id,omitempty"`
	MergeIDs  []string `json:"merge_ids,omitempty"`
	Patch     *Patch   `json:"patch,omitempty"`
	NewContent string  `json:"new_content,omitempty"`

	AffectedIDs          []string `json:"affected_ids,omitempty"`
	RequiresConfirmation bool     `json:"requires_confirmation,omitempty"`
}

// HistoryChangeKind tags an append-only history entry.
type HistoryChangeKind string

const (
	ChangeCreated           HistoryChangeKind = "created"
	ChangeContentUpdated    HistoryChangeKind = "content_updated"
	ChangeImportanceChanged HistoryChangeKind = "importance_changed"
	ChangeMetadataUpdated   HistoryChangeKind = "metadata_updated"
	ChangeMerged            HistoryChangeKind = "merged"
	ChangeSuperseded        HistoryChangeKind = "superseded"
	ChangeDeprecated        HistoryChangeKind = "deprecated"
	ChangeExpired           HistoryChangeKind = "expired"
	ChangeAccessed          HistoryChangeKind = "accessed"
	ChangeCompressed        HistoryChangeKind = "compressed"
)

// RetainedForever lists change kinds never pruned from history.
func (k HistoryChangeKind) RetainedForever() bool {
	switch k {
	case ChangeAccessed:
		return false
	}
	return true
}

// HistoryEntry is one append-only change record, keyed by (memory_id,
// version).
type HistoryEntry struct {
	MemoryID  string            `json:"memory_id"`
	Version   int               `json:"version"`
	Kind      HistoryChangeKind `json:"change_kind"`
	Timestamp time.Time         `json:"timestamp"`
	Before    *Memory           `json:"before,omitempty"`
	After     *Memory           `json:"after,omitempty"`
}
