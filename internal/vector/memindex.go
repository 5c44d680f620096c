package vector

import (
	"context"
	"sync"

	"github.com/engramdev/engram/internal/errs"
	"github.com/engramdev/engram/internal/model"
)

// MemIndex is a deterministic in-process index used in tests and as a
// fallback when no vector backend is configured. Exact cosine over every
// stored vector; fine at test scale.
type MemIndex struct {
	mu      sync.RWMutex
	dims    int
	byScope map[string]map[string][]float32
}

func NewMemIndex() *MemIndex {
	return &MemIndex{byScope: make(map[string]map[string][]float32)}
}

func (x *MemIndex) Upsert(_ context.Context, scope model.Scope, id string, embedding []float32) error {
	if len(embedding) == 0 {
		return errs.New(errs.KindValidation, "empty embedding")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	// The first insert binds the index dimension; everything after must
	// match it.
	if x.dims == 0 {
		x.dims = len(embedding)
	} else if len(embedding) != x.dims {
		return errs.Newf(errs.KindValidation, "embedding has %d dimensions, index holds %d", len(embedding), x.dims)
	}
	key := scope.Key()
	if x.byScope[key] == nil {
		x.byScope[key] = make(map[string][]float32)
	}
	x.byScope[key][id] = append([]float32(nil), embedding...)
	return nil
}

func (x *MemIndex) Delete(_ context.Context, scope model.Scope, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.byScope[scope.Key()], id)
	return nil
}

func (x *MemIndex) Query(_ context.Context, caller model.Scope, embedding []float32, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.dims != 0 && len(embedding) != x.dims {
		return nil, errs.Newf(errs.KindValidation, "query embedding has %d dimensions, index holds %d", len(embedding), x.dims)
	}

	var hits []Hit
	for _, scope := range caller.Ancestry() {
		for id, emb := range x.byScope[scope.Key()] {
			hits = append(hits, Hit{ID: id, Similarity: Cosine(embedding, emb)})
		}
	}
	return sortHits(hits, k), nil
}

func (x *MemIndex) Count(_ context.Context, scope model.Scope) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byScope[scope.Key()]), nil
}
