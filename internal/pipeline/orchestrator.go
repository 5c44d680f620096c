package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/errs"
	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/provider"
	"github.com/engramdev/engram/internal/vector"
)

// MemoryLoader fetches existing memories for conflict detection. The
// durable store satisfies it.
type MemoryLoader interface {
	Get(ctx context.Context, id string) (*model.Memory, error)
}

// Outcome is everything one pipeline run produced. The manager commits the
// decision plan; everything else is for inspection and tests.
type Outcome struct {
	RunID       string
	Scope       model.Scope
	Facts       []model.Fact
	Evaluated   []EvaluatedFact
	Embeddings  [][]float32
	Conflicts   []model.Conflict
	Decisions   []model.Decision
	StageErrors []error
}

// Orchestrator drives extract, evaluate, resolve, and decide in order.
// Per-fact work (embedding, evaluation, conflict detection) runs in a
// bounded worker pool.
type Orchestrator struct {
	extractor *Extractor
	evaluator *Evaluator
	resolver  *Resolver
	decider   *DecisionEngine
	embedder  provider.Embedder
	index     vector.Index
	loader    MemoryLoader
	cfg       config.PipelineConfig
}

func NewOrchestrator(
	reasoner provider.Reasoner,
	embedder provider.Embedder,
	index vector.Index,
	loader MemoryLoader,
	cfg config.PipelineConfig,
) *Orchestrator {
	return &Orchestrator{
		extractor: NewExtractor(reasoner, cfg),
		evaluator: NewEvaluator(reasoner),
		resolver:  NewResolver(reasoner, cfg),
		decider:   NewDecisionEngine(reasoner, cfg),
		embedder:  embedder,
		index:     index,
		loader:    loader,
		cfg:       cfg,
	}
}

// Run executes the full pipeline for the given scope. Extraction failures
// are non-fatal and yield an empty plan with the error recorded; a
// cancelled context stops between stages with Cancelled.
func (o *Orchestrator) Run(ctx context.Context, scope model.Scope, messages []model.Message) (*Outcome, error) {
	out := &Outcome{RunID: uuid.NewString(), Scope: scope}

	facts, err := o.extractor.Extract(ctx, messages)
	if err != nil {
		out.StageErrors = append(out.StageErrors, err)
		log.Printf("[pipeline] run %s: %v", out.RunID, err)
		return out, nil
	}
	out.Facts = facts
	if len(facts) == 0 {
		return out, nil
	}

	if err := ctx.Err(); err != nil {
		return out, errs.Wrap(errs.KindCancelled, "pipeline cancelled after extraction", err)
	}

	if err := o.evaluateFacts(ctx, out); err != nil {
		return out, err
	}

	if err := ctx.Err(); err != nil {
		return out, errs.Wrap(errs.KindCancelled, "pipeline cancelled after evaluation", err)
	}

	existing := o.collectExisting(ctx, out)
	out.Decisions = o.decider.Plan(ctx, out.Evaluated, out.Conflicts, existing)
	log.Printf("[pipeline] run %s: %d facts, %d conflicts, %d decisions",
		out.RunID, len(out.Facts), len(out.Conflicts), len(out.Decisions))
	return out, nil
}

// evaluateFacts runs embedding, importance evaluation, and conflict
// resolution for each fact concurrently, bounded by FactParallelism.
func (o *Orchestrator) evaluateFacts(ctx context.Context, out *Outcome) error {
	n := len(out.Facts)
	out.Evaluated = make([]EvaluatedFact, n)
	out.Embeddings = make([][]float32, n)
	perFactConflicts := make([][]model.Conflict, n)
	stageErrs := make([]error, n)

	sem := make(chan struct{}, o.cfg.FactParallelism)
	var wg sync.WaitGroup
	for i := range out.Facts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			fact := out.Facts[i]
			out.Evaluated[i] = EvaluatedFact{
				Fact:       fact,
				Evaluation: o.evaluator.Evaluate(ctx, fact, ""),
			}

			emb, err := provider.WithRetry(ctx, func() ([]float32, error) {
				return o.embedder.Embed(ctx, fact.Content)
			})
			if err != nil {
				stageErrs[i] = fmt.Errorf("embed fact %d: %w", i, err)
				return
			}
			out.Embeddings[i] = emb

			candidates, err := o.findCandidates(ctx, out.Scope, emb)
			if err != nil {
				stageErrs[i] = fmt.Errorf("candidates for fact %d: %w", i, err)
				return
			}
			perFactConflicts[i] = o.resolver.Resolve(ctx, i, fact, candidates)
		}(i)
	}
	wg.Wait()

	for _, err := range stageErrs {
		if err != nil {
			out.StageErrors = append(out.StageErrors, err)
		}
	}
	for _, cs := range perFactConflicts {
		out.Conflicts = append(out.Conflicts, cs...)
	}
	SortConflicts(out.Conflicts)
	return nil
}

const candidateK = 5

func (o *Orchestrator) findCandidates(ctx context.Context, scope model.Scope, embedding []float32) ([]Candidate, error) {
	if o.index == nil {
		return nil, nil
	}
	hits, err := o.index.Query(ctx, scope, embedding, candidateK)
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		m, err := o.loader.Get(ctx, h.ID)
		if err != nil {
			if errs.IsKind(err, errs.KindNotFound) {
				// Index can lag the store; a dangling hit is not an error.
				continue
			}
			return nil, err
		}
		candidates = append(candidates, Candidate{Memory: m, Similarity: h.Similarity})
	}
	return candidates, nil
}

func (o *Orchestrator) collectExisting(ctx context.Context, out *Outcome) map[string]*model.Memory {
	existing := make(map[string]*model.Memory)
	for _, c := range out.Conflicts {
		for _, id := range c.InvolvedIDs {
			if _, ok := existing[id]; ok {
				continue
			}
			m, err := o.loader.Get(ctx, id)
			if err != nil {
				log.Printf("[pipeline] load conflict target %s: %v", id, err)
				continue
			}
			existing[id] = m
		}
	}
	return existing
}
