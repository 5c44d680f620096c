// Package manager is the public facade over the memory engine. It owns the
// durable store and vector index: every other component returns intents,
// and only the manager commits them.
package manager

import (
	"context"
	"hash/fnv"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/engramdev/engram/internal/compress"
	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/errs"
	"github.com/engramdev/engram/internal/history"
	"github.com/engramdev/engram/internal/lifecycle"
	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/pipeline"
	"github.com/engramdev/engram/internal/provider"
	"github.com/engramdev/engram/internal/retrieval"
	"github.com/engramdev/engram/internal/store"
	"github.com/engramdev/engram/internal/vector"
)

// lockBuckets is the advisory lock pool size; per-id mutations hash into it.
const lockBuckets = 64

// maxRedirectHops bounds redirect chains when resolving merged and
// superseded memories.
const maxRedirectHops = 8

// Capabilities are the external services the engine runs on. Reasoner and
// Embedder may be nil: ingestion then fails fast and retrieval degrades to
// lexical-only.
type Capabilities struct {
	Reasoner provider.Reasoner
	Embedder provider.Embedder
	Index    vector.Index
	Clock    model.Clock
	Random   model.RandomSource
}

// Manager is the engine handle. All public operations live here.
type Manager struct {
	cfg      *config.Config
	store    *store.Store
	index    vector.Index
	tracker  *history.Tracker
	life     *lifecycle.Service
	comp     *compress.Engine
	searcher *retrieval.Searcher
	orch     *pipeline.Orchestrator
	reasoner provider.Reasoner
	embedder *cachingEmbedder
	ids      *model.IDGenerator
	clock    model.Clock

	locks    [lockBuckets]sync.Mutex
	addSlots chan struct{}
	queries  *queryCache

	// Background work (back-pressure compression) is tracked so Close can
	// cancel it and wait instead of racing a closed store.
	bg        sync.WaitGroup
	bgCtx     context.Context
	bgCancel  context.CancelFunc
	closeOnce sync.Once
}

// New wires the engine together over an opened store.
func New(cfg *config.Config, s *store.Store, caps Capabilities) (*Manager, error) {
	if caps.Clock == nil {
		caps.Clock = model.SystemClock{}
	}
	if caps.Random == nil {
		caps.Random = model.SystemRandom()
	}
	if caps.Index == nil {
		caps.Index = vector.NewMemIndex()
	}

	m := &Manager{
		cfg:      cfg,
		store:    s,
		index:    caps.Index,
		reasoner: caps.Reasoner,
		ids:      model.NewIDGenerator(caps.Clock, caps.Random),
		clock:    caps.Clock,
		addSlots: make(chan struct{}, cfg.Manager.AddQueueDepth),
	}
	m.bgCtx, m.bgCancel = context.WithCancel(context.Background())

	var err error
	if caps.Embedder != nil {
		if m.embedder, err = newCachingEmbedder(caps.Embedder, cfg.Manager.CacheTTL); err != nil {
			return nil, err
		}
	}
	if m.queries, err = newQueryCache(cfg.Manager.CacheTTL); err != nil {
		return nil, err
	}

	m.tracker = history.NewTracker(s, caps.Clock)
	if m.life, err = lifecycle.NewService(s, m.index, m.tracker, caps.Clock, cfg.Lifecycle); err != nil {
		return nil, err
	}
	m.comp = compress.NewEngine(s, m.index, m.tracker, caps.Reasoner, m.embedderOrNil(),
		m.ids, caps.Clock, cfg.Compress)
	m.searcher = retrieval.NewSearcher(s, m.index, m.embedderOrNil(), cfg.Retrieval)
	if caps.Reasoner != nil {
		m.orch = pipeline.NewOrchestrator(caps.Reasoner, m.embedderOrNil(), m.index, s, cfg.Pipeline)
	}
	return m, nil
}

// embedderOrNil returns the caching embedder as the interface, avoiding a
// typed-nil interface value when no embedder was supplied.
func (m *Manager) embedderOrNil() provider.Embedder {
	if m.embedder == nil {
		return nil
	}
	return m.embedder
}

// Start launches background maintenance (scheduled lifecycle sweeps).
func (m *Manager) Start(ctx context.Context) error {
	return m.life.Start(ctx)
}

// Close stops background work and releases the store and caches. Safe to
// call more than once.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.bgCancel()
		m.bg.Wait()
		m.life.Stop()
		if m.embedder != nil {
			m.embedder.close()
		}
		m.queries.close()
		err = m.store.Close()
	})
	return err
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &m.locks[h.Sum32()%lockBuckets]
}

// lockAll acquires the advisory locks covering every id, in ascending
// bucket order so concurrent multi-id commits cannot deadlock.
func (m *Manager) lockAll(ids []string) func() {
	buckets := make(map[uint32]bool)
	for _, id := range ids {
		h := fnv.New32a()
		h.Write([]byte(id))
		buckets[h.Sum32()%lockBuckets] = true
	}
	order := make([]int, 0, len(buckets))
	for b := range buckets {
		order = append(order, int(b))
	}
	sort.Ints(order)
	for _, b := range order {
		m.locks[b].Lock()
	}
	return func() {
		for i := len(order) - 1; i >= 0; i-- {
			m.locks[order[i]].Unlock()
		}
	}
}

// acquireAddSlot reserves a slot in the bounded ingest queue, failing fast
// with Overloaded when the queue is full.
func (m *Manager) acquireAddSlot() (func(), error) {
	select {
	case m.addSlots <- struct{}{}:
		return func() { <-m.addSlots }, nil
	default:
		return nil, errs.New(errs.KindOverloaded, "add queue full")
	}
}

// AddOptions shape a direct Add.
type AddOptions struct {
	Type       model.MemoryType
	Importance float64
	Metadata   map[string]any
	Entities   []string
	Relations  []model.Relation
	ExpiresAt  *time.Time
}

// Add stores a single memory directly, bypassing the reasoning pipeline.
// Adding content whose hash already exists in the scope returns the
// existing memory unchanged.
func (m *Manager) Add(ctx context.Context, scope model.Scope, content string, opts AddOptions) (*model.Memory, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errs.New(errs.KindValidation, "empty content")
	}
	release, err := m.acquireAddSlot()
	if err != nil {
		return nil, err
	}
	defer release()

	typ := opts.Type
	if typ == "" {
		typ = model.TypeSemantic
	}
	importance := opts.Importance
	if importance == 0 {
		importance = 0.5
	}

	mem, err := model.NewMemory(m.ids.NewID(), scope, typ, content, importance, m.clock.Now())
	if err != nil {
		return nil, err
	}
	mem.Metadata = opts.Metadata
	mem.Entities = opts.Entities
	mem.Relations = opts.Relations
	mem.ExpiresAt = opts.ExpiresAt
	if len(opts.Metadata) > 0 {
		mem.Hash = model.ContentHash(mem.Content, mem.Metadata)
	}

	return m.createMemory(ctx, mem)
}

// createMemory embeds, persists, indexes, and records a new memory. A hash
// conflict in the scope resolves to the existing memory (dedup).
func (m *Manager) createMemory(ctx context.Context, mem *model.Memory) (*model.Memory, error) {
	if len(mem.Embedding) > 0 && m.embedder != nil {
		if want := m.embedder.Dimensions(); want > 0 && len(mem.Embedding) != want {
			return nil, errs.Newf(errs.KindValidation,
				"embedding has %d dimensions, want %d", len(mem.Embedding), want)
		}
	}
	if m.embedder != nil && len(mem.Embedding) == 0 {
		emb, err := m.embedder.Embed(ctx, mem.Content)
		if err != nil {
			log.Printf("[manager] embed %s: %v", mem.ID, err)
		} else {
			mem.Embedding = emb
		}
	}

	if err := m.store.Create(ctx, mem); err != nil {
		if errs.IsKind(err, errs.KindConflict) {
			existing, findErr := m.store.FindByHash(ctx, mem.Scope, mem.Hash)
			if findErr == nil {
				log.Printf("[manager] dedup: %s already stored as %s", mem.ID, existing.ID)
				return existing, nil
			}
		}
		return nil, err
	}

	if err := m.tracker.Record(ctx, model.HistoryEntry{
		MemoryID:  mem.ID,
		Version:   mem.Version,
		Kind:      model.ChangeCreated,
		Timestamp: m.clock.Now(),
		After:     mem,
	}); err != nil {
		return nil, err
	}
	if len(mem.Embedding) > 0 {
		if err := m.index.Upsert(ctx, mem.Scope, mem.ID, mem.Embedding); err != nil {
			log.Printf("[manager] index %s: %v", mem.ID, err)
		}
	}
	m.queries.invalidate(mem.Scope)
	return mem, nil
}

// Get returns the memory by id, following merge/supersede redirects, and
// records the access. Deprecated and expired memories read as not found.
func (m *Manager) Get(ctx context.Context, caller model.Scope, id string) (*model.Memory, error) {
	mem, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if !mem.Accessible(caller, m.clock.Now()) {
		return nil, errs.Newf(errs.KindNotFound, "memory %s", id)
	}
	if err := m.life.RecordAccess(ctx, mem); err != nil {
		log.Printf("[manager] record access %s: %v", mem.ID, err)
	}
	return mem, nil
}

// resolve follows redirect chains to the live memory.
func (m *Manager) resolve(ctx context.Context, id string) (*model.Memory, error) {
	for hop := 0; hop < maxRedirectHops; hop++ {
		mem, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if mem.RedirectID == "" || mem.RedirectID == mem.ID {
			return mem, nil
		}
		id = mem.RedirectID
	}
	return nil, errs.Newf(errs.KindInternal, "redirect chain too deep from %s", id)
}

// SearchOptions shape a Search call. TopK zero returns nothing and records
// nothing; negative selects the configured default.
type SearchOptions struct {
	TopK     int
	Type     retrieval.SearchType
	Strategy retrieval.Strategy
	MinScore float64
}

// resolve fills defaults and reports whether the call can return anything.
func (o *SearchOptions) resolve(cfg *config.Config) bool {
	if o.TopK == 0 {
		return false
	}
	if o.TopK < 0 {
		o.TopK = cfg.Retrieval.TopK
	}
	if o.Strategy == "" {
		o.Strategy = retrieval.StrategySimilarity
	}
	if o.Type == "" {
		o.Type = retrieval.SearchHybrid
	}
	return true
}

func (o SearchOptions) retrievalOptions() retrieval.Options {
	return retrieval.Options{
		TopK:     o.TopK,
		Type:     o.Type,
		Strategy: o.Strategy,
		MinScore: o.MinScore,
	}
}

// Search runs retrieval for the caller, serving repeated queries from the
// cache until a commit in a visible scope invalidates them.
func (m *Manager) Search(ctx context.Context, caller model.Scope, query string, opts SearchOptions) ([]retrieval.Result, error) {
	if !opts.resolve(m.cfg) {
		return nil, nil
	}

	fp := m.queries.fingerprint(caller, query, opts)
	if cached, ok := m.queries.get(fp); ok {
		return cached, nil
	}

	results, err := m.searcher.Search(ctx, caller, query, opts.retrievalOptions())
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if err := m.life.RecordAccess(ctx, r.Memory); err != nil {
			log.Printf("[manager] record access %s: %v", r.Memory.ID, err)
		}
	}
	m.queries.put(fp, results)
	return results, nil
}

// SearchParts retrieves over a multimodal query. Part embeddings vary per
// call, so results bypass the query cache.
func (m *Manager) SearchParts(ctx context.Context, caller model.Scope, parts []retrieval.QueryPart, opts SearchOptions) ([]retrieval.Result, error) {
	if !opts.resolve(m.cfg) {
		return nil, nil
	}

	results, err := m.searcher.SearchParts(ctx, caller, parts, opts.retrievalOptions())
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if err := m.life.RecordAccess(ctx, r.Memory); err != nil {
			log.Printf("[manager] record access %s: %v", r.Memory.ID, err)
		}
	}
	return results, nil
}

// Update applies a partial patch under the id's advisory lock. The version
// advances by exactly one; each changed field earns its own history entry.
func (m *Manager) Update(ctx context.Context, id string, patch model.Patch) (*model.Memory, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	mem, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if mem.Retired() {
		return nil, errs.Newf(errs.KindNotFound, "memory %s", id)
	}

	before := mem.Clone()
	var kinds []model.HistoryChangeKind

	if patch.Content != nil && model.CanonicalizeContent(*patch.Content) != mem.Content {
		mem.Content = model.CanonicalizeContent(*patch.Content)
		kinds = append(kinds, model.ChangeContentUpdated)
	}
	if patch.Importance != nil {
		clamped := model.ClampImportance(*patch.Importance)
		if clamped != mem.Importance {
			mem.Importance = clamped
			kinds = append(kinds, model.ChangeImportanceChanged)
		}
	}
	if patch.Metadata != nil {
		mem.Metadata = patch.Metadata
		kinds = append(kinds, model.ChangeMetadataUpdated)
	}
	if len(kinds) == 0 {
		return mem, nil
	}
	mem.Hash = model.ContentHash(mem.Content, mem.Metadata)
	mem.Version++

	if err := m.store.Update(ctx, mem, before.Version); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	for _, kind := range kinds {
		if err := m.tracker.Record(ctx, model.HistoryEntry{
			MemoryID:  mem.ID,
			Version:   mem.Version,
			Kind:      kind,
			Timestamp: now,
			Before:    before,
			After:     mem,
		}); err != nil {
			return nil, err
		}
	}

	if containsKind(kinds, model.ChangeContentUpdated) && m.embedder != nil {
		if emb, err := m.embedder.Embed(ctx, mem.Content); err == nil {
			mem.Embedding = emb
			if err := m.index.Upsert(ctx, mem.Scope, mem.ID, emb); err != nil {
				log.Printf("[manager] reindex %s: %v", mem.ID, err)
			}
		}
	}
	m.queries.invalidate(mem.Scope)
	return mem, nil
}

func containsKind(kinds []model.HistoryChangeKind, k model.HistoryChangeKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// Delete retires a memory. The record and its history survive so the
// change log stays complete; reads by id report not found.
func (m *Manager) Delete(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	mem, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if mem.Retired() {
		return errs.Newf(errs.KindNotFound, "memory %s", id)
	}

	before := mem.Clone()
	mem.State = model.StateDeprecated
	mem.Version++
	if err := m.store.Update(ctx, mem, before.Version); err != nil {
		return err
	}
	if err := m.tracker.Record(ctx, model.HistoryEntry{
		MemoryID:  mem.ID,
		Version:   mem.Version,
		Kind:      model.ChangeDeprecated,
		Timestamp: m.clock.Now(),
		Before:    before,
		After:     mem,
	}); err != nil {
		return err
	}
	if err := m.index.Delete(ctx, mem.Scope, mem.ID); err != nil {
		log.Printf("[manager] index delete %s: %v", mem.ID, err)
	}
	m.queries.invalidate(mem.Scope)
	return nil
}

// History returns the full change log for a memory, oldest first.
func (m *Manager) History(ctx context.Context, id string) ([]model.HistoryEntry, error) {
	return m.tracker.Of(ctx, id)
}

// AtVersion reconstructs a memory as of the given version.
func (m *Manager) AtVersion(ctx context.Context, id string, version int) (*model.Memory, error) {
	return m.tracker.AtVersion(ctx, id, version)
}

// Stats summarizes the stored population.
func (m *Manager) Stats(ctx context.Context) (*store.Stats, error) {
	return m.store.Stats(ctx, m.clock.Now())
}

// Sweep runs lifecycle maintenance now.
func (m *Manager) Sweep(ctx context.Context) (*lifecycle.SweepReport, error) {
	report, err := m.life.Sweep(ctx)
	if err == nil {
		m.queries.clear()
	}
	return report, err
}

// Compress runs a compression sweep now.
func (m *Manager) Compress(ctx context.Context, strategy compress.Strategy) (*compress.Report, error) {
	report, err := m.comp.Sweep(ctx, strategy)
	if err == nil && (report.Merged > 0 || report.Rewritten > 0) {
		m.queries.clear()
	}
	return report, err
}

// Reset wipes every memory, history entry, and cache.
func (m *Manager) Reset(ctx context.Context) error {
	active, err := m.store.ListByState(ctx, model.StateActive, 0)
	if err != nil {
		return err
	}
	for _, mem := range active {
		if err := m.index.Delete(ctx, mem.Scope, mem.ID); err != nil {
			log.Printf("[manager] reset index delete %s: %v", mem.ID, err)
		}
	}
	if err := m.store.Reset(ctx); err != nil {
		return err
	}
	m.queries.clear()
	log.Printf("[manager] reset complete")
	return nil
}

// ensure the orchestrator is available before pipeline operations.
func (m *Manager) requireReasoner() error {
	if m.orch == nil {
		return errs.New(errs.KindValidation, "no reasoner configured")
	}
	return nil
}
