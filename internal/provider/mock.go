package provider

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/engramdev/engram/internal/errs"
)

// MockEmbedder generates deterministic unit vectors from a text hash. Equal
// text always embeds identically, which is what pipeline and retrieval tests
// rely on.
type MockEmbedder struct {
	dims int
}

func NewMockEmbedder(dims int) *MockEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &MockEmbedder{dims: dims}
}

func (m *MockEmbedder) Dimensions() int { return m.dims }

func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errs.New(errs.KindValidation, "embed: empty text")
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dims)
	for i := 0; i < m.dims; i++ {
		// LCG over the hash keeps the vector deterministic per input.
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(embedding), nil
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}

// CannedReasoner replays scripted responses in order, recording the prompts
// it saw. The last response repeats once the script runs out.
type CannedReasoner struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Prompts   []string
}

func (c *CannedReasoner) Complete(_ context.Context, system, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Prompts = append(c.Prompts, prompt)
	if c.Err != nil {
		return "", c.Err
	}
	if len(c.Responses) == 0 {
		return "", errs.New(errs.KindReasoningFailed, "canned reasoner has no responses")
	}
	resp := c.Responses[0]
	if len(c.Responses) > 1 {
		c.Responses = c.Responses[1:]
	}
	return resp, nil
}
