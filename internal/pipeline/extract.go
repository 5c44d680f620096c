// Package pipeline implements the ingestion flow: extract candidate facts,
// evaluate importance, resolve conflicts, and decide what to commit.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/provider"
)

const extractionSystem = `You are a memory extraction engine. Extract durable facts from the conversation.

Rules:
1. Extract only explicit facts, no speculation
2. Keep each fact concise, self-contained, and independent
3. category must be one of: episodic/semantic/procedural/working
4. confidence must be in [0.0, 1.0] and reflect how explicitly the fact was stated
5. List named entities and subject-predicate-object relations when present
6. Note temporal hints ("next week", dates) verbatim

Return strict JSON:
{"facts":[{"content":"...","confidence":0.9,"category":"semantic","entities":["..."],"relations":[{"subject":"...","predicate":"...","object":"..."}],"temporal_hints":["..."]}]}`

// ExtractionError is non-fatal: the pipeline reports it and continues with
// zero facts rather than failing ingestion.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string { return fmt.Sprintf("extraction: %v", e.Err) }
func (e *ExtractionError) Unwrap() error { return e.Err }

// Extractor turns conversation messages into candidate facts.
type Extractor struct {
	reasoner provider.Reasoner
	cfg      config.PipelineConfig
}

func NewExtractor(r provider.Reasoner, cfg config.PipelineConfig) *Extractor {
	return &Extractor{reasoner: r, cfg: cfg}
}

// Extract asks the reasoner for facts, then canonicalizes, filters by
// confidence, folds near-duplicates, and caps the count.
func (x *Extractor) Extract(ctx context.Context, messages []model.Message) ([]model.Fact, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}

	var out struct {
		Facts []model.Fact `json:"facts"`
	}
	prompt := "Conversation:\n" + sb.String()
	if err := provider.CompleteJSON(ctx, x.reasoner, extractionSystem, prompt, &out); err != nil {
		return nil, &ExtractionError{Err: err}
	}

	facts := make([]model.Fact, 0, len(out.Facts))
	for _, f := range out.Facts {
		f.Content = model.CanonicalizeContent(f.Content)
		if f.Content == "" {
			continue
		}
		if f.Confidence < x.cfg.MinConfidence {
			continue
		}
		if f.Confidence > 1 {
			f.Confidence = 1
		}
		if !model.ValidTypes[f.Category] {
			f.Category = model.TypeSemantic
		}
		facts = append(facts, f)
	}

	facts = mergeSimilarFacts(facts)

	if x.cfg.MaxFacts > 0 && len(facts) > x.cfg.MaxFacts {
		// Keep the most confident facts when over budget.
		sort.SliceStable(facts, func(i, j int) bool { return facts[i].Confidence > facts[j].Confidence })
		facts = facts[:x.cfg.MaxFacts]
	}

	log.Printf("[pipeline] extracted %d facts from %d messages", len(facts), len(messages))
	return facts, nil
}

const factMergeJaccard = 0.9

// mergeSimilarFacts folds facts whose token sets overlap at >=0.9 Jaccard
// into the higher-confidence one, unioning entities and relations.
func mergeSimilarFacts(facts []model.Fact) []model.Fact {
	out := make([]model.Fact, 0, len(facts))
	for _, f := range facts {
		merged := false
		for i := range out {
			if tokenJaccard(out[i].Content, f.Content) >= factMergeJaccard {
				if f.Confidence > out[i].Confidence {
					kept := f
					kept.Entities = unionStrings(f.Entities, out[i].Entities)
					kept.Relations = unionRelations(f.Relations, out[i].Relations)
					out[i] = kept
				} else {
					out[i].Entities = unionStrings(out[i].Entities, f.Entities)
					out[i].Relations = unionRelations(out[i].Relations, f.Relations)
				}
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, f)
		}
	}
	return out
}

func tokenJaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if tb[tok] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[strings.Trim(tok, ".,!?;:\"'()")] = true
	}
	delete(out, "")
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func unionRelations(a, b []model.Relation) []model.Relation {
	key := func(r model.Relation) string { return r.Subject + "\x00" + r.Predicate + "\x00" + r.Object }
	seen := make(map[string]bool, len(a))
	out := make([]model.Relation, 0, len(a)+len(b))
	for _, r := range a {
		if !seen[key(r)] {
			seen[key(r)] = true
			out = append(out, r)
		}
	}
	for _, r := range b {
		if !seen[key(r)] {
			seen[key(r)] = true
			out = append(out, r)
		}
	}
	return out
}
