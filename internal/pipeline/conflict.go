package pipeline

import (
	"context"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/provider"
)

// Candidate pairs an existing memory with its similarity to the fact being
// resolved.
type Candidate struct {
	Memory     *model.Memory
	Similarity float64
}

// Resolver detects conflicts between a candidate fact and existing
// memories. Cheap signals (hash equality, similarity) are decided locally;
// only ambiguous pairs go to the reasoner.
type Resolver struct {
	reasoner provider.Reasoner
	cfg      config.PipelineConfig
}

func NewResolver(r provider.Reasoner, cfg config.PipelineConfig) *Resolver {
	return &Resolver{reasoner: r, cfg: cfg}
}

const conflictSystem = `You compare a new fact against an existing memory and classify their relationship.

kinds:
- "contradiction": they cannot both be true
- "subsumption": one strictly contains the other's information
- "stale_reference": the existing memory refers to something the new fact says changed
- "none": unrelated or compatible

Return strict JSON: {"kind":"contradiction","severity":0.8,"confidence":0.9,"description":"..."}`

// Resolve returns the conflicts between the fact and its candidates, ordered
// by descending severity with ties broken by ascending involved ids.
// Reasoner failures on individual pairs are logged and skipped; they never
// fail the stage.
func (r *Resolver) Resolve(ctx context.Context, factIndex int, fact model.Fact, candidates []Candidate) []model.Conflict {
	var conflicts []model.Conflict
	factHash := model.ContentHash(fact.Content, nil)

	for _, cand := range candidates {
		m := cand.Memory
		if m.Retired() {
			continue
		}

		switch {
		case m.Hash == factHash:
			conflicts = append(conflicts, model.Conflict{
				ID:          uuid.NewString(),
				Kind:        model.ConflictDuplication,
				InvolvedIDs: []string{m.ID},
				FactIndex:   factIndex,
				Severity:    1,
				Confidence:  1,
				Strategy:    model.PreferMoreImportant,
				Description: "identical content hash",
			})

		case cand.Similarity >= r.cfg.DupThreshold:
			conflicts = append(conflicts, model.Conflict{
				ID:          uuid.NewString(),
				Kind:        model.ConflictDuplication,
				InvolvedIDs: []string{m.ID},
				FactIndex:   factIndex,
				Severity:    cand.Similarity,
				Confidence:  cand.Similarity,
				Strategy:    model.MergeAdditive,
				Description: "near-duplicate content",
			})

		default:
			c, ok := r.classify(ctx, factIndex, fact, m)
			if ok {
				conflicts = append(conflicts, c)
			}
		}
	}

	SortConflicts(conflicts)
	return conflicts
}

// classify prefers the reasoner's judgement; when it is absent or fails, the
// rule-based relation check decides instead.
func (r *Resolver) classify(ctx context.Context, factIndex int, fact model.Fact, m *model.Memory) (model.Conflict, bool) {
	// Only bother the reasoner when the texts share vocabulary; unrelated
	// prose cannot conflict, though relations still can.
	if r.reasoner != nil && tokenJaccard(fact.Content, m.Content) >= 0.2 {
		c, ok, err := r.classifyByReasoner(ctx, factIndex, fact, m)
		if err == nil {
			return c, ok
		}
		log.Printf("[pipeline] conflict classify vs %s: %v", m.ID, err)
	}
	return r.classifyByRules(factIndex, fact, m)
}

func (r *Resolver) classifyByReasoner(ctx context.Context, factIndex int, fact model.Fact, m *model.Memory) (model.Conflict, bool, error) {
	prompt := "New fact: " + fact.Content + "\nExisting memory: " + m.Content
	var out struct {
		Kind        string  `json:"kind"`
		Severity    float64 `json:"severity"`
		Confidence  float64 `json:"confidence"`
		Description string  `json:"description"`
	}
	if err := provider.CompleteJSON(ctx, r.reasoner, conflictSystem, prompt, &out); err != nil {
		return model.Conflict{}, false, err
	}

	var kind model.ConflictKind
	switch strings.ToLower(strings.TrimSpace(out.Kind)) {
	case "contradiction":
		kind = model.ConflictContradiction
	case "subsumption":
		kind = model.ConflictSubsumption
	case "stale_reference":
		kind = model.ConflictStaleReference
	default:
		return model.Conflict{}, false, nil
	}

	return model.Conflict{
		ID:          uuid.NewString(),
		Kind:        kind,
		InvolvedIDs: []string{m.ID},
		FactIndex:   factIndex,
		Severity:    model.ClampImportance(out.Severity),
		Confidence:  model.ClampImportance(out.Confidence),
		Strategy:    recommendStrategy(kind, m, r.cfg),
		Description: out.Description,
	}, true, nil
}

const (
	ruleSeverity   = 0.7
	ruleConfidence = 0.6
)

// classifyByRules detects contradictions from extracted relations: the same
// subject and predicate with a different object cannot both hold.
func (r *Resolver) classifyByRules(factIndex int, fact model.Fact, m *model.Memory) (model.Conflict, bool) {
	for _, fr := range fact.Relations {
		for _, mr := range m.Relations {
			if !relationFieldEq(fr.Subject, mr.Subject) || !relationFieldEq(fr.Predicate, mr.Predicate) {
				continue
			}
			if relationFieldEq(fr.Object, mr.Object) {
				continue
			}
			return model.Conflict{
				ID:          uuid.NewString(),
				Kind:        model.ConflictContradiction,
				InvolvedIDs: []string{m.ID},
				FactIndex:   factIndex,
				Severity:    ruleSeverity,
				Confidence:  ruleConfidence,
				Strategy:    recommendStrategy(model.ConflictContradiction, m, r.cfg),
				Description: fr.Subject + " " + fr.Predicate + ": " + mr.Object + " vs " + fr.Object,
			}, true
		}
	}
	return model.Conflict{}, false
}

func relationFieldEq(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// recommendStrategy maps a conflict kind to its default resolution,
// escalating when the existing memory is protected.
func recommendStrategy(kind model.ConflictKind, existing *model.Memory, cfg config.PipelineConfig) model.ResolutionStrategy {
	protected := existing.Importance >= cfg.ProtectedThreshold
	switch kind {
	case model.ConflictContradiction:
		if protected {
			return model.Escalate
		}
		return model.SupersedeOld
	case model.ConflictDuplication:
		return model.MergeAdditive
	case model.ConflictSubsumption:
		return model.SupersedeOld
	case model.ConflictStaleReference:
		if protected {
			return model.Escalate
		}
		return model.PreferNewer
	}
	return model.Escalate
}

// SortConflicts orders by severity descending, then involved ids ascending,
// so resolution output is deterministic for identical inputs.
func SortConflicts(conflicts []model.Conflict) {
	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].Severity != conflicts[j].Severity {
			return conflicts[i].Severity > conflicts[j].Severity
		}
		return strings.Join(conflicts[i].InvolvedIDs, ",") < strings.Join(conflicts[j].InvolvedIDs, ",")
	})
}
