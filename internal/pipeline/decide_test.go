package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/provider"
	"github.com/engramdev/engram/internal/vector"
)

func TestPlanAddsAboveThreshold(t *testing.T) {
	d := NewDecisionEngine(nil, pipelineCfg())
	facts := []EvaluatedFact{
		{
			Fact:       model.Fact{Content: "User works at Acme", Confidence: 0.9, Category: model.TypeSemantic},
			Evaluation: model.ImportanceEvaluation{Score: 0.7, Confidence: 0.8},
		},
		{
			Fact:       model.Fact{Content: "trivial", Confidence: 0.9, Category: model.TypeWorking},
			Evaluation: model.ImportanceEvaluation{Score: 0.1, Confidence: 0.8},
		},
	}

	decisions := d.Plan(context.Background(), facts, nil, nil)
	if len(decisions) != 2 {
		t.Fatalf("decisions = %d, want 2", len(decisions))
	}
	if decisions[0].Action != model.ActionAdd {
		t.Errorf("first action = %s, want add", decisions[0].Action)
	}
	if decisions[0].Confidence != 0.8 {
		t.Errorf("confidence = %f, want min(0.9, 0.8)", decisions[0].Confidence)
	}
	if decisions[1].Action != model.ActionNoop {
		t.Errorf("below-threshold fact action = %s, want noop", decisions[1].Action)
	}
}

func TestPlanConflictsComeFirst(t *testing.T) {
	d := NewDecisionEngine(nil, pipelineCfg())
	now := time.Now().UTC()
	existing, _ := model.NewMemory("m1", model.GlobalScope(), model.TypeSemantic, "User works at Acme", 0.5, now)

	facts := []EvaluatedFact{
		{
			Fact:       model.Fact{Content: "Likes tea", Confidence: 0.9, Category: model.TypeSemantic},
			Evaluation: model.ImportanceEvaluation{Score: 0.6, Confidence: 0.9},
		},
		{
			Fact:       model.Fact{Content: "User works at Beta Corp", Confidence: 0.9, Category: model.TypeSemantic},
			Evaluation: model.ImportanceEvaluation{Score: 0.7, Confidence: 0.9},
		},
	}
	conflicts := []model.Conflict{{
		ID: "c1", Kind: model.ConflictContradiction, InvolvedIDs: []string{"m1"},
		FactIndex: 1, Severity: 0.8, Confidence: 0.9, Strategy: model.SupersedeOld,
	}}

	decisions := d.Plan(context.Background(), facts, conflicts, map[string]*model.Memory{"m1": existing})
	if len(decisions) != 2 {
		t.Fatalf("decisions = %d, want 2", len(decisions))
	}
	if decisions[0].Action != model.ActionSupersede || decisions[0].TargetID != "m1" {
		t.Errorf("first decision = %+v, want supersede of m1", decisions[0])
	}
	if decisions[1].Action != model.ActionAdd || decisions[1].Content != "Likes tea" {
		t.Errorf("second decision = %+v, want add of unconflicted fact", decisions[1])
	}
}

func TestPlanLowConfidenceRequiresConfirmation(t *testing.T) {
	d := NewDecisionEngine(nil, pipelineCfg())
	facts := []EvaluatedFact{{
		Fact:       model.Fact{Content: "Might be moving to Lisbon", Confidence: 0.55, Category: model.TypeSemantic},
		Evaluation: model.ImportanceEvaluation{Score: 0.6, Confidence: 0.6},
	}}

	decisions := d.Plan(context.Background(), facts, nil, nil)
	if !decisions[0].RequiresConfirmation {
		t.Fatal("confidence below autonomy threshold must require confirmation")
	}
}

func TestPlanMergeDecision(t *testing.T) {
	d := NewDecisionEngine(nil, pipelineCfg())
	now := time.Now().UTC()
	existing, _ := model.NewMemory("m1", model.GlobalScope(), model.TypeSemantic, "Likes espresso", 0.4, now)

	facts := []EvaluatedFact{{
		Fact:       model.Fact{Content: "Likes espresso with oat milk", Confidence: 0.9, Category: model.TypeSemantic},
		Evaluation: model.ImportanceEvaluation{Score: 0.6, Confidence: 0.9},
	}}
	conflicts := []model.Conflict{{
		ID: "c1", Kind: model.ConflictDuplication, InvolvedIDs: []string{"m1"},
		FactIndex: 0, Severity: 0.9, Confidence: 0.9, Strategy: model.MergeAdditive,
	}}

	decisions := d.Plan(context.Background(), facts, conflicts, map[string]*model.Memory{"m1": existing})
	if len(decisions) != 1 {
		t.Fatalf("decisions = %d, want 1 (conflicted fact not double-added)", len(decisions))
	}
	dec := decisions[0]
	if dec.Action != model.ActionMerge {
		t.Fatalf("action = %s, want merge", dec.Action)
	}
	if dec.NewContent == "" || dec.Importance != 0.6 {
		t.Errorf("merge decision = %+v", dec)
	}
}

func TestPlanMergeContentComesFromReasoner(t *testing.T) {
	reasoner := &provider.CannedReasoner{Responses: []string{
		`{"content":"Likes espresso, preferably with oat milk"}`,
	}}
	d := NewDecisionEngine(reasoner, pipelineCfg())
	now := time.Now().UTC()
	existing, _ := model.NewMemory("m1", model.GlobalScope(), model.TypeSemantic, "Likes espresso", 0.4, now)

	facts := []EvaluatedFact{{
		Fact:       model.Fact{Content: "Prefers oat milk in coffee", Confidence: 0.9, Category: model.TypeSemantic},
		Evaluation: model.ImportanceEvaluation{Score: 0.6, Confidence: 0.9},
	}}
	conflicts := []model.Conflict{{
		ID: "c1", Kind: model.ConflictDuplication, InvolvedIDs: []string{"m1"},
		FactIndex: 0, Severity: 0.9, Confidence: 0.9, Strategy: model.MergeAdditive,
	}}

	decisions := d.Plan(context.Background(), facts, conflicts, map[string]*model.Memory{"m1": existing})
	if decisions[0].NewContent != "Likes espresso, preferably with oat milk" {
		t.Fatalf("merged content = %q, want the reasoner's phrasing", decisions[0].NewContent)
	}
	if len(reasoner.Prompts) != 1 {
		t.Fatalf("reasoner calls = %d, want 1", len(reasoner.Prompts))
	}
	if !strings.Contains(reasoner.Prompts[0], "Likes espresso") ||
		!strings.Contains(reasoner.Prompts[0], "Prefers oat milk in coffee") {
		t.Errorf("merge prompt missing inputs: %q", reasoner.Prompts[0])
	}
}

func TestPlanMergeFallsBackToConcatenation(t *testing.T) {
	reasoner := &provider.CannedReasoner{Err: errors.New("reasoner down")}
	d := NewDecisionEngine(reasoner, pipelineCfg())
	now := time.Now().UTC()
	existing, _ := model.NewMemory("m1", model.GlobalScope(), model.TypeSemantic, "Likes espresso", 0.4, now)

	facts := []EvaluatedFact{{
		Fact:       model.Fact{Content: "Prefers oat milk in coffee", Confidence: 0.9, Category: model.TypeSemantic},
		Evaluation: model.ImportanceEvaluation{Score: 0.6, Confidence: 0.9},
	}}
	conflicts := []model.Conflict{{
		ID: "c1", Kind: model.ConflictDuplication, InvolvedIDs: []string{"m1"},
		FactIndex: 0, Severity: 0.9, Confidence: 0.9, Strategy: model.MergeAdditive,
	}}

	decisions := d.Plan(context.Background(), facts, conflicts, map[string]*model.Memory{"m1": existing})
	want := "Likes espresso; Prefers oat milk in coffee"
	if decisions[0].NewContent != want {
		t.Fatalf("fallback content = %q, want %q", decisions[0].NewContent, want)
	}
}

func TestPlanProtectedTargetRequiresConfirmation(t *testing.T) {
	cfg := pipelineCfg()
	cfg.ProtectedThreshold = 0.5
	d := NewDecisionEngine(nil, cfg)
	now := time.Now().UTC()
	existing, _ := model.NewMemory("m1", model.GlobalScope(), model.TypeSemantic, "User works at Acme", 0.6, now)

	facts := []EvaluatedFact{{
		Fact:       model.Fact{Content: "User works at Beta Corp", Confidence: 0.9, Category: model.TypeSemantic},
		Evaluation: model.ImportanceEvaluation{Score: 0.7, Confidence: 0.9},
	}}
	conflicts := []model.Conflict{{
		ID: "c1", Kind: model.ConflictContradiction, InvolvedIDs: []string{"m1"},
		FactIndex: 0, Severity: 0.8, Confidence: 0.9, Strategy: model.SupersedeOld,
	}}

	decisions := d.Plan(context.Background(), facts, conflicts, map[string]*model.Memory{"m1": existing})
	if !decisions[0].RequiresConfirmation {
		t.Fatal("supersede of a target above the protected threshold must require confirmation")
	}

	cfg.ProtectedThreshold = 0.8
	decisions = NewDecisionEngine(nil, cfg).Plan(context.Background(), facts, conflicts, map[string]*model.Memory{"m1": existing})
	if decisions[0].RequiresConfirmation {
		t.Fatal("target below the protected threshold should commit autonomously")
	}
}

func TestPlanEscalateIsNoopRequiringConfirmation(t *testing.T) {
	d := NewDecisionEngine(nil, pipelineCfg())
	facts := []EvaluatedFact{{
		Fact:       model.Fact{Content: "User identity changed", Confidence: 0.9, Category: model.TypeSemantic},
		Evaluation: model.ImportanceEvaluation{Score: 0.8, Confidence: 0.9},
	}}
	conflicts := []model.Conflict{{
		ID: "c1", Kind: model.ConflictContradiction, InvolvedIDs: []string{"m1"},
		FactIndex: 0, Severity: 0.9, Confidence: 0.9, Strategy: model.Escalate,
	}}

	decisions := d.Plan(context.Background(), facts, conflicts, nil)
	if decisions[0].Action != model.ActionNoop || !decisions[0].RequiresConfirmation {
		t.Fatalf("escalate decision = %+v, want confirmable noop", decisions[0])
	}
}

type mapLoader map[string]*model.Memory

func (l mapLoader) Get(_ context.Context, id string) (*model.Memory, error) {
	if m, ok := l[id]; ok {
		return m, nil
	}
	return nil, errNotFound
}

var errNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

func TestOrchestratorEndToEnd(t *testing.T) {
	ctx := context.Background()
	embedder := provider.NewMockEmbedder(64)
	index := vector.NewMemIndex()
	scope := model.UserScope("a1", "u1")
	now := time.Now().UTC()

	// Seed an existing memory the second fact duplicates exactly.
	existing, _ := model.NewMemory("m1", scope, model.TypeSemantic, "User prefers dark mode", 0.5, now)
	emb, _ := embedder.Embed(ctx, existing.Content)
	existing.Embedding = emb
	if err := index.Upsert(ctx, scope, existing.ID, emb); err != nil {
		t.Fatalf("seed index: %v", err)
	}

	reasoner := &provider.CannedReasoner{Responses: []string{`{
		"facts": [
			{"content": "User works at Acme", "confidence": 0.9, "category": "semantic"},
			{"content": "User prefers dark mode", "confidence": 0.9, "category": "semantic"}
		]
	}`}}

	o := NewOrchestrator(reasoner, embedder, index, mapLoader{"m1": existing}, pipelineCfg())
	out, err := o.Run(ctx, scope, []model.Message{{Role: "user", Content: "chat"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(out.Facts) != 2 {
		t.Fatalf("facts = %d, want 2", len(out.Facts))
	}
	if len(out.StageErrors) != 0 {
		t.Fatalf("stage errors: %v", out.StageErrors)
	}
	if len(out.Conflicts) != 1 || out.Conflicts[0].Kind != model.ConflictDuplication {
		t.Fatalf("conflicts = %+v, want one duplication", out.Conflicts)
	}
	if len(out.Decisions) != 2 {
		t.Fatalf("decisions = %d, want 2", len(out.Decisions))
	}
	// Conflict resolution first, then the unconflicted add.
	if out.Decisions[1].Action != model.ActionAdd || out.Decisions[1].Content != "User works at Acme" {
		t.Errorf("second decision = %+v, want add", out.Decisions[1])
	}
	if out.Embeddings[0] == nil || out.Embeddings[1] == nil {
		t.Error("embeddings should be retained for commit")
	}
}

func TestOrchestratorExtractionFailureIsNonFatal(t *testing.T) {
	reasoner := &provider.CannedReasoner{Responses: []string{"junk", "junk"}}
	o := NewOrchestrator(reasoner, provider.NewMockEmbedder(8), vector.NewMemIndex(), mapLoader{}, pipelineCfg())

	out, err := o.Run(context.Background(), model.GlobalScope(), []model.Message{{Role: "user", Content: "x"}})
	if err != nil {
		t.Fatalf("run should not fail: %v", err)
	}
	if len(out.StageErrors) != 1 {
		t.Fatalf("stage errors = %d, want 1", len(out.StageErrors))
	}
	if len(out.Decisions) != 0 {
		t.Fatalf("decisions = %d, want 0", len(out.Decisions))
	}
}

func TestOrchestratorCancellation(t *testing.T) {
	reasoner := &provider.CannedReasoner{Responses: []string{`{
		"facts": [{"content": "something", "confidence": 0.9, "category": "semantic"}]
	}`}}
	o := NewOrchestrator(reasoner, provider.NewMockEmbedder(8), vector.NewMemIndex(), mapLoader{}, pipelineCfg())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Run(ctx, model.GlobalScope(), []model.Message{{Role: "user", Content: "x"}})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
