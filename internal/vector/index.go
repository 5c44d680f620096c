// Package vector provides the similarity index behind hybrid retrieval.
package vector

import (
	"context"
	"math"
	"sort"

	"github.com/engramdev/engram/internal/model"
)

// Hit is one similarity match. Similarity is in [0,1], higher is closer.
type Hit struct {
	ID         string
	Similarity float64
}

// Index stores embeddings partitioned by scope and answers nearest-neighbor
// queries over the caller's visible scopes.
type Index interface {
	Upsert(ctx context.Context, scope model.Scope, id string, embedding []float32) error
	Delete(ctx context.Context, scope model.Scope, id string) error
	// Query returns up to k hits across the caller's ancestry scopes,
	// ordered by descending similarity with ties broken by ascending id.
	Query(ctx context.Context, caller model.Scope, embedding []float32, k int) ([]Hit, error)
	Count(ctx context.Context, scope model.Scope) (int, error)
}

// Cosine returns the cosine similarity of two vectors mapped to [0,1].
// Mismatched or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return (cos + 1) / 2
}

// DistanceToSimilarity converts a Euclidean distance to a [0,1] similarity.
func DistanceToSimilarity(d float64) float64 {
	if d < 0 {
		d = 0
	}
	return 1 / (1 + d)
}

// sortHits orders by similarity descending, id ascending, and truncates to k.
func sortHits(hits []Hit, k int) []Hit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
