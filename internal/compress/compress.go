// Package compress shrinks the stored memory population while preserving
// retrievability: low-value content is summarized, near-duplicate clusters
// collapse into a single representative, and every original stays
// reconstructable through history.
package compress

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/history"
	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/provider"
	"github.com/engramdev/engram/internal/store"
	"github.com/engramdev/engram/internal/vector"
)

// Strategy selects which compaction pass a sweep runs.
type Strategy string

const (
	StrategyImportance Strategy = "importance"
	StrategySemantic   Strategy = "semantic"
	StrategyTemporal   Strategy = "temporal"
	StrategyAdaptive   Strategy = "adaptive"
)

const (
	// temporalAlpha drives the age-based target ratio 1-exp(-alpha*age_days).
	temporalAlpha = 0.05
	// temporalMaxRatio caps how much of a memory age alone may remove.
	temporalMaxRatio = 0.8
	// minRewriteLen is the content size below which summarizing cannot help.
	minRewriteLen = 160
	// adaptiveQueryWorkload is the mean access count above which the
	// population is considered query-heavy.
	adaptiveQueryWorkload = 2.0
)

// Report summarizes one compression sweep.
type Report struct {
	Examined  int
	Clusters  int
	Merged    int // members retired into representatives
	Rewritten int // memories summarized in place
	Skipped   int // clusters or memories skipped on reasoner failure
}

// Engine runs compression sweeps over the store.
type Engine struct {
	store    *store.Store
	index    vector.Index
	tracker  *history.Tracker
	reasoner provider.Reasoner
	embedder provider.Embedder
	ids      *model.IDGenerator
	clock    model.Clock
	cfg      config.CompressConfig

	sweeping sync.Mutex
	running  bool
}

func NewEngine(
	s *store.Store,
	idx vector.Index,
	tr *history.Tracker,
	reasoner provider.Reasoner,
	embedder provider.Embedder,
	ids *model.IDGenerator,
	clock model.Clock,
	cfg config.CompressConfig,
) *Engine {
	return &Engine{
		store:    s,
		index:    idx,
		tracker:  tr,
		reasoner: reasoner,
		embedder: embedder,
		ids:      ids,
		clock:    clock,
		cfg:      cfg,
	}
}

// MaybeCompress runs an adaptive sweep when storage utilization crosses the
// high watermark. It is the back-pressure entry point; callers invoke it
// after commits and on schedule.
func (e *Engine) MaybeCompress(ctx context.Context) (*Report, error) {
	if e.cfg.Capacity <= 0 {
		return &Report{}, nil
	}
	count, err := e.store.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	utilization := float64(count) / float64(e.cfg.Capacity)
	if utilization < e.cfg.HighWatermark {
		return &Report{}, nil
	}
	log.Printf("[compress] utilization %.2f over watermark %.2f, sweeping",
		utilization, e.cfg.HighWatermark)
	return e.Sweep(ctx, StrategyAdaptive)
}

// Sweep runs one compression pass. Sweeps are single-flight: a call that
// finds one already running returns an empty report immediately.
func (e *Engine) Sweep(ctx context.Context, strategy Strategy) (*Report, error) {
	e.sweeping.Lock()
	if e.running {
		e.sweeping.Unlock()
		return &Report{}, nil
	}
	e.running = true
	e.sweeping.Unlock()
	defer func() {
		e.sweeping.Lock()
		e.running = false
		e.sweeping.Unlock()
	}()

	active, err := e.store.ListByState(ctx, model.StateActive, 0)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}

	report := &Report{Examined: len(active)}
	now := e.clock.Now()

	switch strategy {
	case StrategySemantic:
		err = e.semanticPass(ctx, active, now, report)
	case StrategyImportance:
		err = e.rewritePass(ctx, active, now, report, e.importanceRatio)
	case StrategyTemporal:
		err = e.rewritePass(ctx, active, now, report, func(m *model.Memory) float64 {
			return temporalRatio(now, m.CreatedAt)
		})
	case StrategyAdaptive:
		err = e.adaptivePass(ctx, active, now, report)
	default:
		return nil, fmt.Errorf("unknown compression strategy %q", strategy)
	}
	if err != nil {
		return report, err
	}

	log.Printf("[compress] sweep done (%s): examined=%d clusters=%d merged=%d rewritten=%d skipped=%d",
		strategy, report.Examined, report.Clusters, report.Merged, report.Rewritten, report.Skipped)
	return report, nil
}

// adaptivePass picks a mixture from observed access patterns: query-heavy
// populations keep their semantic spread and only collapse duplicates;
// write-heavy populations additionally age out verbose content. Either way
// the pass stops once utilization drops to the low watermark.
func (e *Engine) adaptivePass(ctx context.Context, active []*model.Memory, now time.Time, report *Report) error {
	if err := e.semanticPass(ctx, active, now, report); err != nil {
		return err
	}
	below, err := e.belowLowWatermark(ctx)
	if err != nil || below {
		return err
	}

	var accessTotal int
	for _, m := range active {
		accessTotal += m.AccessCount
	}
	queryHeavy := len(active) > 0 && float64(accessTotal)/float64(len(active)) >= adaptiveQueryWorkload
	if queryHeavy {
		return nil
	}
	return e.rewritePass(ctx, active, now, report, func(m *model.Memory) float64 {
		return math.Max(temporalRatio(now, m.CreatedAt), e.importanceRatio(m))
	})
}

func (e *Engine) belowLowWatermark(ctx context.Context) (bool, error) {
	if e.cfg.Capacity <= 0 {
		return true, nil
	}
	count, err := e.store.CountActive(ctx)
	if err != nil {
		return false, err
	}
	return float64(count)/float64(e.cfg.Capacity) <= e.cfg.LowWatermark, nil
}

// semanticPass clusters similar memories per scope and replaces each
// multi-member cluster with a single reasoner-summarized representative.
// Members transition to Merged with a redirect, so reads still resolve.
func (e *Engine) semanticPass(ctx context.Context, active []*model.Memory, now time.Time, report *Report) error {
	byScope := make(map[string][]*model.Memory)
	for _, m := range active {
		if m.Importance >= e.cfg.ProtectedThreshold || len(m.Embedding) == 0 {
			continue
		}
		byScope[m.Scope.Key()] = append(byScope[m.Scope.Key()], m)
	}

	scopeKeys := make([]string, 0, len(byScope))
	for k := range byScope {
		scopeKeys = append(scopeKeys, k)
	}
	sort.Strings(scopeKeys)

	for _, key := range scopeKeys {
		clusters := clusterBySimilarity(byScope[key], e.cfg.ClusterSimilarity)
		for _, cluster := range clusters {
			if len(cluster) < 2 {
				continue
			}
			// Yield between clusters.
			if err := ctx.Err(); err != nil {
				return err
			}
			report.Clusters++
			if err := e.mergeCluster(ctx, cluster, now); err != nil {
				report.Skipped++
				log.Printf("[compress] cluster of %d skipped: %v", len(cluster), err)
				continue
			}
			report.Merged += len(cluster)
		}
	}
	return nil
}

// mergeCluster writes the representative first, then retires the members.
// Any failure leaves the members untouched for the next sweep.
func (e *Engine) mergeCluster(ctx context.Context, cluster []*model.Memory, now time.Time) error {
	sort.Slice(cluster, func(i, j int) bool { return cluster[i].ID < cluster[j].ID })

	contents := make([]string, len(cluster))
	importance := 0.0
	for i, m := range cluster {
		contents[i] = m.Content
		importance = math.Max(importance, m.Importance)
	}

	summary, err := e.summarize(ctx, contents, 0)
	if err != nil {
		return err
	}

	rep, err := model.NewMemory(e.ids.NewID(), cluster[0].Scope, cluster[0].Type, summary, importance, now)
	if err != nil {
		return fmt.Errorf("representative: %w", err)
	}
	rep.SemanticHash = SemanticHash(cluster)
	rep.Metadata = map[string]any{"compressed_from": len(cluster)}
	rep.Hash = model.ContentHash(rep.Content, rep.Metadata)

	if e.embedder != nil {
		emb, err := e.embedder.Embed(ctx, rep.Content)
		if err != nil {
			return fmt.Errorf("embed representative: %w", err)
		}
		rep.Embedding = emb
	}

	if err := e.store.Create(ctx, rep); err != nil {
		return fmt.Errorf("create representative: %w", err)
	}
	if err := e.tracker.Record(ctx, model.HistoryEntry{
		MemoryID:  rep.ID,
		Version:   rep.Version,
		Kind:      model.ChangeCreated,
		Timestamp: now,
		After:     rep,
	}); err != nil {
		return err
	}
	if e.index != nil && len(rep.Embedding) > 0 {
		if err := e.index.Upsert(ctx, rep.Scope, rep.ID, rep.Embedding); err != nil {
			log.Printf("[compress] index representative %s: %v", rep.ID, err)
		}
	}

	for _, m := range cluster {
		before := m.Clone()
		m.State = model.StateMerged
		m.RedirectID = rep.ID
		m.Version++
		if err := e.store.Update(ctx, m, before.Version); err != nil {
			log.Printf("[compress] retire member %s: %v", m.ID, err)
			continue
		}
		if err := e.tracker.Record(ctx, model.HistoryEntry{
			MemoryID:  m.ID,
			Version:   m.Version,
			Kind:      model.ChangeCompressed,
			Timestamp: now,
			Before:    before,
			After:     m,
		}); err != nil {
			return err
		}
		if e.index != nil {
			if err := e.index.Delete(ctx, m.Scope, m.ID); err != nil {
				log.Printf("[compress] index delete %s: %v", m.ID, err)
			}
		}
	}
	return nil
}

// rewritePass summarizes verbose memories in place. The target ratio comes
// from the strategy; protected and already-short memories are left verbatim.
func (e *Engine) rewritePass(ctx context.Context, active []*model.Memory, now time.Time, report *Report, ratio func(*model.Memory) float64) error {
	for _, m := range active {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.Retired() || m.Importance >= e.cfg.ProtectedThreshold || len(m.Content) < minRewriteLen {
			continue
		}
		r := ratio(m)
		if r <= 0 {
			continue
		}
		targetLen := int(float64(len(m.Content)) * (1 - r))

		summary, err := e.summarize(ctx, []string{m.Content}, targetLen)
		if err != nil {
			report.Skipped++
			log.Printf("[compress] rewrite %s skipped: %v", m.ID, err)
			continue
		}
		if len(summary) >= len(m.Content) {
			continue
		}

		before := m.Clone()
		m.Content = summary
		m.Hash = model.ContentHash(m.Content, m.Metadata)
		if m.SemanticHash == "" {
			m.SemanticHash = SemanticHash([]*model.Memory{before})
		}
		m.Version++
		if err := e.store.Update(ctx, m, before.Version); err != nil {
			log.Printf("[compress] rewrite %s: %v", m.ID, err)
			continue
		}
		if err := e.tracker.Record(ctx, model.HistoryEntry{
			MemoryID:  m.ID,
			Version:   m.Version,
			Kind:      model.ChangeCompressed,
			Timestamp: now,
			Before:    before,
			After:     m,
		}); err != nil {
			return err
		}
		if e.embedder != nil && e.index != nil {
			emb, err := e.embedder.Embed(ctx, m.Content)
			if err == nil {
				m.Embedding = emb
				if err := e.index.Upsert(ctx, m.Scope, m.ID, emb); err != nil {
					log.Printf("[compress] reindex %s: %v", m.ID, err)
				}
			}
		}
		report.Rewritten++
	}
	return nil
}

// importanceRatio removes more of a memory the less it currently matters.
// Effective importance 1.0 keeps everything; 0.0 allows the temporal cap.
func (e *Engine) importanceRatio(m *model.Memory) float64 {
	eff := m.EffectiveImportance(e.clock.Now())
	return math.Min(1-eff, temporalMaxRatio)
}

// temporalRatio returns the age-driven target ratio 1-exp(-alpha*age_days),
// capped so even ancient memories keep a core.
func temporalRatio(now, createdAt time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays <= 0 {
		return 0
	}
	return math.Min(1-math.Exp(-temporalAlpha*ageDays), temporalMaxRatio)
}

const summarySystem = `You compress agent memories. Produce a single concise summary that preserves every distinct fact, entity, and preference in the input. Output only the summary text, no preamble.`

func (e *Engine) summarize(ctx context.Context, contents []string, targetLen int) (string, error) {
	if e.reasoner == nil {
		return "", fmt.Errorf("no reasoner configured")
	}
	var b strings.Builder
	if targetLen > 0 {
		fmt.Fprintf(&b, "Summarize to at most %d characters:\n", targetLen)
	} else {
		b.WriteString("Merge into one summary:\n")
	}
	for _, c := range contents {
		b.WriteString("- ")
		b.WriteString(c)
		b.WriteString("\n")
	}

	out, err := e.reasoner.Complete(ctx, summarySystem, b.String())
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	summary := model.CanonicalizeContent(provider.StripFences(out))
	if summary == "" {
		return "", fmt.Errorf("summarize: empty summary")
	}
	return summary, nil
}

// SemanticHash derives a hash that is stable across compressions of the
// same underlying originals: members contribute their own semantic hash
// when they have one, so re-compressing a representative's lineage yields
// the same value.
func SemanticHash(members []*model.Memory) string {
	parts := make([]string, len(members))
	for i, m := range members {
		if m.SemanticHash != "" {
			parts[i] = m.SemanticHash
		} else {
			parts[i] = m.Hash
		}
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1e")))
	return hex.EncodeToString(sum[:])
}

// clusterBySimilarity greedily groups memories whose embeddings stay within
// the threshold of every existing member (complete linkage), keeping
// clusters tight enough to summarize without losing facts.
func clusterBySimilarity(memories []*model.Memory, threshold float64) [][]*model.Memory {
	sorted := make([]*model.Memory, len(memories))
	copy(sorted, memories)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var clusters [][]*model.Memory
	for _, m := range sorted {
		placed := false
		for i, cluster := range clusters {
			fits := true
			for _, member := range cluster {
				if vector.Cosine(m.Embedding, member.Embedding) < threshold {
					fits = false
					break
				}
			}
			if fits {
				clusters[i] = append(clusters[i], m)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []*model.Memory{m})
		}
	}
	return clusters
}
