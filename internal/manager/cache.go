package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/provider"
	"github.com/engramdev/engram/internal/retrieval"
)

// cachingEmbedder fronts the real embedder with a TTL cache keyed by text,
// so the pipeline, retrieval, and commit paths never pay twice for the same
// content.
type cachingEmbedder struct {
	inner provider.Embedder
	cache *ristretto.Cache
	ttl   time.Duration
}

func newCachingEmbedder(inner provider.Embedder, ttl time.Duration) (*cachingEmbedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     64 << 20, // 64 MiB of vectors
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &cachingEmbedder{inner: inner, cache: cache, ttl: ttl}, nil
}

func (e *cachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return v.([]float32), nil
	}
	emb, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.SetWithTTL(text, emb, int64(len(emb)*4), e.ttl)
	return emb, nil
}

func (e *cachingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var misses []string
	var missIdx []int
	for i, t := range texts {
		if v, ok := e.cache.Get(t); ok {
			out[i] = v.([]float32)
			continue
		}
		misses = append(misses, t)
		missIdx = append(missIdx, i)
	}
	if len(misses) == 0 {
		return out, nil
	}
	embs, err := e.inner.EmbedBatch(ctx, misses)
	if err != nil {
		return nil, err
	}
	for j, emb := range embs {
		out[missIdx[j]] = emb
		e.cache.SetWithTTL(misses[j], emb, int64(len(emb)*4), e.ttl)
	}
	return out, nil
}

func (e *cachingEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *cachingEmbedder) close() { e.cache.Close() }

// queryCache memoizes retrieval results per query fingerprint. Fingerprints
// fold in a generation counter per scope key; committing anywhere in a
// scope bumps its generation, which invalidates every cached query whose
// caller can see that scope.
type queryCache struct {
	cache *ristretto.Cache
	ttl   time.Duration

	mu   sync.Mutex
	gens map[string]uint64
}

func newQueryCache(ttl time.Duration) (*queryCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000, // result sets, costed per entry
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}
	return &queryCache{cache: cache, ttl: ttl, gens: make(map[string]uint64)}, nil
}

func (c *queryCache) fingerprint(caller model.Scope, query string, opts SearchOptions) string {
	var b strings.Builder
	c.mu.Lock()
	for _, scope := range caller.Ancestry() {
		key := scope.Key()
		fmt.Fprintf(&b, "%s@%d|", key, c.gens[key])
	}
	c.mu.Unlock()
	fmt.Fprintf(&b, "q=%s|k=%d|t=%s|s=%s|m=%g", query, opts.TopK, opts.Type, opts.Strategy, opts.MinScore)
	return b.String()
}

func (c *queryCache) get(fp string) ([]retrieval.Result, bool) {
	v, ok := c.cache.Get(fp)
	if !ok {
		return nil, false
	}
	return v.([]retrieval.Result), true
}

func (c *queryCache) put(fp string, results []retrieval.Result) {
	c.cache.SetWithTTL(fp, results, 1, c.ttl)
}

// invalidate bumps the generation for the scope a commit touched. Stale
// entries die by fingerprint mismatch and eventually by TTL.
func (c *queryCache) invalidate(scope model.Scope) {
	c.mu.Lock()
	c.gens[scope.Key()]++
	c.mu.Unlock()
}

func (c *queryCache) clear() {
	c.cache.Clear()
	c.mu.Lock()
	c.gens = make(map[string]uint64)
	c.mu.Unlock()
}

func (c *queryCache) close() { c.cache.Close() }
