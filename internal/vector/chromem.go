package vector

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/engramdev/engram/internal/errs"
	"github.com/engramdev/engram/internal/model"
)

// ChromemIndex backs the Index interface with chromem-go, an embedded pure
// Go vector database. Each scope gets its own collection so visibility
// filtering never touches foreign partitions.
type ChromemIndex struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
	dims        int
}

// checkDims binds the index dimension on the first write and rejects any
// later vector that disagrees with it.
func (x *ChromemIndex) checkDims(embedding []float32, bind bool) error {
	if len(embedding) == 0 {
		return errs.New(errs.KindValidation, "empty embedding")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dims == 0 {
		if !bind {
			return nil
		}
		x.dims = len(embedding)
		return nil
	}
	if len(embedding) != x.dims {
		return errs.Newf(errs.KindValidation, "embedding has %d dimensions, index holds %d", len(embedding), x.dims)
	}
	return nil
}

// NewChromemIndex creates an empty in-process index.
func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

func (x *ChromemIndex) collection(scope model.Scope) (*chromem.Collection, error) {
	name := collectionName(scope)

	x.mu.RLock()
	col, ok := x.collections[name]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[name]; ok {
		return col, nil
	}

	col, err := x.db.CreateCollection(
		name,
		nil, // embeddings are always supplied by the caller
		nil, // default cosine distance
	)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	x.collections[name] = col
	return col, nil
}

func (x *ChromemIndex) Upsert(ctx context.Context, scope model.Scope, id string, embedding []float32) error {
	if err := x.checkDims(embedding, true); err != nil {
		return err
	}
	col, err := x.collection(scope)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        id,
		Content:   id, // content lives in the durable store; the index only ranks
		Embedding: embedding,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document %s: %w", id, err)
	}
	return nil
}

func (x *ChromemIndex) Delete(ctx context.Context, scope model.Scope, id string) error {
	col, err := x.collection(scope)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

func (x *ChromemIndex) Query(ctx context.Context, caller model.Scope, embedding []float32, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	if err := x.checkDims(embedding, false); err != nil {
		return nil, err
	}
	var hits []Hit
	for _, scope := range caller.Ancestry() {
		col, err := x.collection(scope)
		if err != nil {
			return nil, err
		}
		n := col.Count()
		if n == 0 {
			continue
		}
		limit := k
		if limit > n {
			limit = n
		}
		results, err := col.QueryEmbedding(ctx, embedding, limit, nil, nil)
		if err != nil {
			log.Printf("[vector] query scope %s: %v", scope.Key(), err)
			return nil, fmt.Errorf("query embedding: %w", err)
		}
		for _, r := range results {
			// chromem reports cosine similarity in [-1,1]; fold into [0,1]
			// to match the rest of the ranking math.
			hits = append(hits, Hit{ID: r.ID, Similarity: (float64(r.Similarity) + 1) / 2})
		}
	}
	return sortHits(hits, k), nil
}

func (x *ChromemIndex) Count(ctx context.Context, scope model.Scope) (int, error) {
	col, err := x.collection(scope)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// collectionName flattens a scope key into chromem's allowed charset.
func collectionName(scope model.Scope) string {
	key := scope.Key()
	key = strings.NewReplacer("/", "-", " ", "_").Replace(key)
	if key == "" {
		return "global"
	}
	return key
}
