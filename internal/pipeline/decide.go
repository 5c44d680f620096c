package pipeline

import (
	"context"
	"log"
	"math"
	"strings"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/provider"
)

// DecisionEngine turns evaluated facts and their conflicts into an ordered
// commit plan. Conflict resolutions come first in conflict order, then
// unconflicted adds in fact order. The reasoner phrases merged content; it
// may be nil, in which case merges fall back to concatenation.
type DecisionEngine struct {
	reasoner provider.Reasoner
	cfg      config.PipelineConfig
}

func NewDecisionEngine(r provider.Reasoner, cfg config.PipelineConfig) *DecisionEngine {
	return &DecisionEngine{reasoner: r, cfg: cfg}
}

// EvaluatedFact is one fact with its importance evaluation attached.
type EvaluatedFact struct {
	Fact       model.Fact
	Evaluation model.ImportanceEvaluation
}

// Plan builds the decision list. Facts under the store threshold become
// Noop; a fact involved in any conflict is handled by that conflict's
// resolution and never double-added.
func (d *DecisionEngine) Plan(ctx context.Context, facts []EvaluatedFact, conflicts []model.Conflict, existing map[string]*model.Memory) []model.Decision {
	decisions := make([]model.Decision, 0, len(facts)+len(conflicts))
	conflicted := make(map[int]bool)

	for _, c := range conflicts {
		conflicted[c.FactIndex] = true
		if c.FactIndex < 0 || c.FactIndex >= len(facts) {
			continue
		}
		decisions = append(decisions, d.resolveConflict(ctx, c, facts[c.FactIndex], existing))
	}

	for i, ef := range facts {
		if conflicted[i] {
			continue
		}
		decisions = append(decisions, d.planAdd(ef))
	}
	return decisions
}

func (d *DecisionEngine) planAdd(ef EvaluatedFact) model.Decision {
	confidence := math.Min(ef.Fact.Confidence, ef.Evaluation.Confidence)
	if ef.Evaluation.Score < d.cfg.StoreThreshold {
		return model.Decision{
			Action:     model.ActionNoop,
			Confidence: confidence,
			Reasoning:  "importance below store threshold",
		}
	}
	return model.Decision{
		Action:               model.ActionAdd,
		Confidence:           confidence,
		Reasoning:            ef.Evaluation.Reasoning,
		Content:              ef.Fact.Content,
		Importance:           ef.Evaluation.Score,
		Type:                 ef.Fact.Category,
		Entities:             ef.Fact.Entities,
		Relations:            ef.Fact.Relations,
		RequiresConfirmation: confidence < d.cfg.AutonomyThreshold,
	}
}

func (d *DecisionEngine) resolveConflict(ctx context.Context, c model.Conflict, ef EvaluatedFact, existing map[string]*model.Memory) model.Decision {
	confidence := math.Min(c.Confidence, math.Min(ef.Fact.Confidence, ef.Evaluation.Confidence))
	targetID := ""
	var target *model.Memory
	if len(c.InvolvedIDs) > 0 {
		targetID = c.InvolvedIDs[0]
		target = existing[targetID]
	}

	base := model.Decision{
		Confidence:  confidence,
		AffectedIDs: c.InvolvedIDs,
		TargetID:    targetID,
		Reasoning:   string(c.Kind) + ": " + c.Description,
	}
	base.RequiresConfirmation = confidence < d.cfg.AutonomyThreshold ||
		(target != nil && target.Importance >= d.cfg.ProtectedThreshold)

	switch c.Strategy {
	case model.PreferNewer, model.SupersedeOld:
		base.Action = model.ActionSupersede
		base.Content = ef.Fact.Content
		base.Importance = ef.Evaluation.Score
		base.Type = ef.Fact.Category
		base.Entities = ef.Fact.Entities
		base.Relations = ef.Fact.Relations

	case model.PreferMoreImportant:
		// Identical or weaker restatement of something we already hold.
		if target != nil && ef.Evaluation.Score > target.Importance {
			imp := ef.Evaluation.Score
			base.Action = model.ActionUpdate
			base.Patch = &model.Patch{Importance: &imp}
			base.Reasoning = "duplicate with higher evaluated importance"
		} else {
			base.Action = model.ActionNoop
			base.Reasoning = "duplicate of existing memory"
		}

	case model.MergeAdditive:
		base.Action = model.ActionMerge
		base.MergeIDs = c.InvolvedIDs
		base.NewContent = d.mergeContent(ctx, target, ef.Fact)
		base.Importance = mergeImportance(target, ef.Evaluation.Score)
		base.Type = ef.Fact.Category
		base.Entities = ef.Fact.Entities
		base.Relations = ef.Fact.Relations

	case model.Escalate:
		base.Action = model.ActionNoop
		base.RequiresConfirmation = true
		base.Reasoning = "escalated: " + base.Reasoning

	default:
		base.Action = model.ActionNoop
	}
	return base
}

const mergeSystem = `You merge an existing memory and a new fact about the same subject into one statement. Keep every distinct piece of information exactly once, drop repeated phrasing, and invent nothing. Return strict JSON: {"content":"..."}`

// mergeContent asks the reasoner for a union of the two statements without
// duplicated information. Reasoner failures fall back to concatenation so
// the plan always carries usable content.
func (d *DecisionEngine) mergeContent(ctx context.Context, target *model.Memory, fact model.Fact) string {
	if target == nil {
		return fact.Content
	}
	if tokenJaccard(target.Content, fact.Content) >= 0.99 {
		return target.Content
	}

	if d.reasoner != nil {
		var out struct {
			Content string `json:"content"`
		}
		prompt := "Existing memory: " + target.Content + "\nNew fact: " + fact.Content
		err := provider.CompleteJSON(ctx, d.reasoner, mergeSystem, prompt, &out)
		if err != nil {
			log.Printf("[pipeline] merge content for %s: %v", target.ID, err)
		} else if strings.TrimSpace(out.Content) != "" {
			return model.CanonicalizeContent(out.Content)
		}
	}
	return model.CanonicalizeContent(target.Content + "; " + fact.Content)
}

func mergeImportance(target *model.Memory, factScore float64) float64 {
	if target == nil {
		return factScore
	}
	return model.ClampImportance(math.Max(target.Importance, factScore))
}
