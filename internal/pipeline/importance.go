package pipeline

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/provider"
)

// Factor weights. They sum to 1; score is the weighted sum of factor values.
var factorWeights = [7]float64{
	0.15, // content complexity
	0.20, // entity importance
	0.20, // relation importance
	0.10, // temporal relevance
	0.15, // user interaction
	0.15, // contextual relevance
	0.05, // emotional intensity
}

// entityTypePriors weight entities tagged with a "type:value" prefix.
// Untagged entities get the default prior.
var entityTypePriors = map[string]float64{
	"person":     0.9,
	"org":        0.8,
	"location":   0.6,
	"credential": 0.95,
	"project":    0.8,
	"product":    0.7,
	"date":       0.5,
	"event":      0.6,
}

const defaultEntityPrior = 0.5

// relationTypePriors weight relation predicates.
var relationTypePriors = map[string]float64{
	"works_at":   0.9,
	"lives_in":   0.8,
	"prefers":    0.8,
	"owns":       0.7,
	"knows":      0.6,
	"uses":       0.6,
	"related_to": 0.4,
}

const defaultRelationPrior = 0.5

var emotionalMarkers = []string{
	"love", "hate", "excited", "angry", "frustrated", "happy", "sad",
	"worried", "afraid", "thrilled", "annoyed", "!",
}

// Evaluator scores a fact's importance from explicit factors. A reasoner
// hint, when available, nudges the contextual factor but never overrides
// the arithmetic.
type Evaluator struct {
	reasoner provider.Reasoner
}

func NewEvaluator(r provider.Reasoner) *Evaluator {
	return &Evaluator{reasoner: r}
}

const importanceHintSystem = `Rate how contextually important this fact is for a long-lived assistant memory, considering durability and reusability. Return strict JSON: {"relevance":0.7}`

// Evaluate computes the importance score, its factor breakdown, and a
// confidence derived from factor agreement.
func (e *Evaluator) Evaluate(ctx context.Context, fact model.Fact, queryContext string) model.ImportanceEvaluation {
	f := model.ImportanceFactors{
		ContentComplexity:   contentComplexity(fact.Content),
		EntityImportance:    entityImportance(fact.Entities),
		RelationImportance:  relationImportance(fact.Relations),
		TemporalRelevance:   temporalRelevance(fact.TemporalHints),
		UserInteraction:     userInteraction(fact),
		ContextualRelevance: 0.5,
		EmotionalIntensity:  emotionalIntensity(fact.Content),
	}

	if e.reasoner != nil {
		if hint, err := e.contextualHint(ctx, fact, queryContext); err == nil {
			f.ContextualRelevance = hint
		} else {
			log.Printf("[pipeline] importance hint unavailable: %v", err)
		}
	}

	values := f.Values()
	var score float64
	for i, v := range values {
		score += factorWeights[i] * v
	}
	score = model.ClampImportance(score)

	return model.ImportanceEvaluation{
		Score:      score,
		Confidence: factorConfidence(values),
		Factors:    f,
		Reasoning:  reasoningLine(f, score),
	}
}

func (e *Evaluator) contextualHint(ctx context.Context, fact model.Fact, queryContext string) (float64, error) {
	prompt := "Fact: " + fact.Content
	if queryContext != "" {
		prompt += "\nContext: " + queryContext
	}
	var out struct {
		Relevance float64 `json:"relevance"`
	}
	if err := provider.CompleteJSON(ctx, e.reasoner, importanceHintSystem, prompt, &out); err != nil {
		return 0, err
	}
	return model.ClampImportance(out.Relevance), nil
}

// contentComplexity rewards informative, multi-clause content and penalizes
// trivially short facts.
func contentComplexity(content string) float64 {
	words := strings.Fields(content)
	n := len(words)
	if n == 0 {
		return 0
	}
	unique := make(map[string]bool, n)
	for _, w := range words {
		unique[strings.ToLower(w)] = true
	}
	lengthScore := math.Min(1, float64(n)/25.0)
	diversity := float64(len(unique)) / float64(n)
	return model.ClampImportance(0.6*lengthScore + 0.4*diversity)
}

func entityImportance(entities []string) float64 {
	if len(entities) == 0 {
		return 0.2
	}
	var sum float64
	for _, ent := range entities {
		prior := defaultEntityPrior
		if typ, _, ok := strings.Cut(ent, ":"); ok {
			if p, known := entityTypePriors[strings.ToLower(strings.TrimSpace(typ))]; known {
				prior = p
			}
		}
		sum += prior
	}
	avg := sum / float64(len(entities))
	countBoost := math.Min(0.2, 0.05*float64(len(entities)))
	return model.ClampImportance(avg + countBoost)
}

func relationImportance(relations []model.Relation) float64 {
	if len(relations) == 0 {
		return 0.2
	}
	var sum float64
	for _, r := range relations {
		prior := defaultRelationPrior
		if p, known := relationTypePriors[strings.ToLower(strings.TrimSpace(r.Predicate))]; known {
			prior = p
		}
		if r.Weight > 0 {
			prior = (prior + model.ClampImportance(r.Weight)) / 2
		}
		sum += prior
	}
	return model.ClampImportance(sum / float64(len(relations)))
}

func temporalRelevance(hints []string) float64 {
	if len(hints) == 0 {
		return 0.5
	}
	// Explicit timing makes the fact easier to invalidate, which is worth
	// knowing about.
	return model.ClampImportance(0.6 + 0.1*float64(len(hints)))
}

func userInteraction(fact model.Fact) float64 {
	switch fact.Category {
	case model.TypeEpisodic:
		return 0.7
	case model.TypeProcedural:
		return 0.6
	case model.TypeWorking:
		return 0.3
	default:
		return 0.5
	}
}

func emotionalIntensity(content string) float64 {
	lower := strings.ToLower(content)
	hits := 0
	for _, marker := range emotionalMarkers {
		if strings.Contains(lower, marker) {
			hits++
		}
	}
	return model.ClampImportance(0.2 + 0.2*float64(hits))
}

// factorConfidence is 1 minus the variance of factor values: agreement
// between factors means a trustworthy score.
func factorConfidence(values []float64) float64 {
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return model.ClampImportance(1 - variance)
}

var factorNames = [7]string{
	"content complexity", "entity importance", "relation importance",
	"temporal relevance", "user interaction", "contextual relevance",
	"emotional intensity",
}

// reasoningLine names the two dominant weighted factors.
func reasoningLine(f model.ImportanceFactors, score float64) string {
	type wf struct {
		name  string
		value float64
	}
	values := f.Values()
	weighted := make([]wf, len(values))
	for i, v := range values {
		weighted[i] = wf{factorNames[i], factorWeights[i] * v}
	}
	sort.SliceStable(weighted, func(i, j int) bool { return weighted[i].value > weighted[j].value })
	return fmt.Sprintf("score %.2f driven by %s and %s", score, weighted[0].name, weighted[1].name)
}
