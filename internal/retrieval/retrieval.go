// Package retrieval implements hybrid lexical+vector search with rerank.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/errs"
	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/provider"
	"github.com/engramdev/engram/internal/store"
	"github.com/engramdev/engram/internal/vector"
)

// MatchType reports which signals put a result on the list.
type MatchType string

const (
	MatchLexical MatchType = "lexical"
	MatchVector  MatchType = "vector"
	MatchHybrid  MatchType = "hybrid"
)

// Strategy selects the rerank pass applied after fusion.
type Strategy string

const (
	StrategySimilarity Strategy = "similarity"
	StrategyDiversity  Strategy = "diversity"
	StrategyMMR        Strategy = "mmr"
)

// SearchType selects which signal legs run. Semantic is embedding search by
// another name; it ranks exactly like Vector.
type SearchType string

const (
	SearchLexical  SearchType = "lexical"
	SearchVector   SearchType = "vector"
	SearchHybrid   SearchType = "hybrid"
	SearchSemantic SearchType = "semantic"
)

// Options shape one retrieval call.
type Options struct {
	// TopK caps the result count. Zero returns nothing and touches
	// nothing; negative selects the configured default.
	TopK     int
	Type     SearchType
	Strategy Strategy
	// MinScore drops fused results scoring below it. Zero keeps all.
	MinScore float64
}

// Modality identifies the media type of one query part.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
)

// QueryPart is one modality's contribution to a multimodal query. Text parts
// carry content and may let the searcher embed it; image parts must carry an
// embedding computed by the host's image encoder. Confidence weights the
// part's vector in the fused query; zero means 1.
type QueryPart struct {
	Modality   Modality
	Content    string
	Embedding  []float32
	Confidence float64
}

// Result is one ranked memory with its score breakdown.
type Result struct {
	Memory       *model.Memory
	Score        float64
	LexicalScore float64
	VectorScore  float64
	Match        MatchType
}

// Searcher runs hybrid retrieval over the store and vector index.
type Searcher struct {
	store    *store.Store
	index    vector.Index
	embedder provider.Embedder
	cfg      config.RetrievalConfig
}

func NewSearcher(s *store.Store, idx vector.Index, emb provider.Embedder, cfg config.RetrievalConfig) *Searcher {
	return &Searcher{store: s, index: idx, embedder: emb, cfg: cfg}
}

// overfetch widens both candidate pools so fusion ranks over a real union
// rather than two pre-truncated lists.
const overfetch = 3

// Search returns results for the query in the caller's visible scopes,
// fused from lexical and vector signals and reranked per strategy.
func (s *Searcher) Search(ctx context.Context, caller model.Scope, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.New(errs.KindValidation, "empty query")
	}
	typ, err := normalizeType(opts.Type)
	if err != nil {
		return nil, err
	}
	if opts.TopK == 0 {
		return nil, nil
	}

	var queryVec []float32
	if typ != SearchLexical && s.index != nil && s.embedder != nil {
		emb, err := provider.WithRetry(ctx, func() ([]float32, error) {
			return s.embedder.Embed(ctx, query)
		})
		if err != nil {
			// Vector leg is best-effort; lexical results still serve.
			log.Printf("[retrieval] embed query: %v", err)
		} else {
			queryVec = emb
		}
	}
	return s.run(ctx, caller, query, queryVec, typ, opts)
}

// SearchParts runs retrieval over a multimodal query. Per-part vectors are
// fused by confidence-weighted average before the vector pass; text parts
// also feed the lexical pass.
func (s *Searcher) SearchParts(ctx context.Context, caller model.Scope, parts []QueryPart, opts Options) ([]Result, error) {
	if len(parts) == 0 {
		return nil, errs.New(errs.KindValidation, "empty query")
	}
	typ, err := normalizeType(opts.Type)
	if err != nil {
		return nil, err
	}
	var texts []string
	for i, p := range parts {
		switch p.Modality {
		case ModalityText:
			t := strings.TrimSpace(p.Content)
			if t == "" && p.Embedding == nil {
				return nil, errs.Newf(errs.KindValidation, "text part %d has no content", i)
			}
			if t != "" {
				texts = append(texts, t)
			}
		case ModalityImage:
			if p.Embedding == nil {
				return nil, errs.Newf(errs.KindValidation, "image part %d requires a precomputed embedding", i)
			}
		default:
			return nil, errs.Newf(errs.KindValidation, "unsupported modality %q", p.Modality)
		}
	}
	if opts.TopK == 0 {
		return nil, nil
	}

	var queryVec []float32
	if typ != SearchLexical {
		if queryVec, err = s.fuseParts(ctx, parts); err != nil {
			return nil, err
		}
	}
	query := strings.Join(texts, " ")
	if query == "" && queryVec == nil {
		return nil, errs.New(errs.KindValidation, "query has no usable parts")
	}
	return s.run(ctx, caller, query, queryVec, typ, opts)
}

// normalizeType defaults an empty search type to hybrid and rejects values
// outside the known set.
func normalizeType(typ SearchType) (SearchType, error) {
	switch typ {
	case "":
		return SearchHybrid, nil
	case SearchLexical, SearchVector, SearchHybrid, SearchSemantic:
		return typ, nil
	default:
		return "", errs.Newf(errs.KindValidation, "unsupported search type %q", typ)
	}
}

// fuseParts averages the per-part vectors weighted by confidence. Text parts
// without a precomputed embedding are embedded here; failures are best-effort
// when another part already contributed a vector.
func (s *Searcher) fuseParts(ctx context.Context, parts []QueryPart) ([]float32, error) {
	var fused []float64
	total := 0.0
	for i, p := range parts {
		vec := p.Embedding
		if vec == nil {
			if s.embedder == nil {
				continue
			}
			emb, err := provider.WithRetry(ctx, func() ([]float32, error) {
				return s.embedder.Embed(ctx, p.Content)
			})
			if err != nil {
				log.Printf("[retrieval] embed part %d: %v", i, err)
				continue
			}
			vec = emb
		}
		if fused == nil {
			fused = make([]float64, len(vec))
		}
		if len(vec) != len(fused) {
			return nil, errs.Newf(errs.KindValidation, "part %d embedding has %d dimensions, want %d", i, len(vec), len(fused))
		}
		w := p.Confidence
		if w <= 0 {
			w = 1
		}
		for j, v := range vec {
			fused[j] += w * float64(v)
		}
		total += w
	}
	if fused == nil || total == 0 {
		return nil, nil
	}
	out := make([]float32, len(fused))
	for j, v := range fused {
		out[j] = float32(v / total)
	}
	return out, nil
}

func (s *Searcher) run(ctx context.Context, caller model.Scope, query string, queryVec []float32, typ SearchType, opts Options) ([]Result, error) {
	topK := opts.TopK
	if topK < 0 {
		topK = s.cfg.TopK
	}

	type entry struct {
		memory   *model.Memory
		lex, vec float64
		hasLex   bool
		hasVec   bool
	}
	union := make(map[string]*entry)

	if typ != SearchVector && typ != SearchSemantic && query != "" {
		lexical, err := s.store.SearchFTS(ctx, caller, query, topK*overfetch)
		if err != nil {
			return nil, fmt.Errorf("lexical search: %w", err)
		}
		for _, m := range lexical {
			union[m.ID] = &entry{memory: m, lex: LexicalScore(query, m.Content), hasLex: true}
		}
	}

	if s.index != nil && queryVec != nil {
		hits, err := s.index.Query(ctx, caller, queryVec, topK*overfetch)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		now := model.SystemClock{}.Now()
		for _, h := range hits {
			if h.Similarity < s.cfg.MinSimilarity {
				continue
			}
			if e, ok := union[h.ID]; ok {
				e.vec = h.Similarity
				e.hasVec = true
				continue
			}
			m, err := s.store.Get(ctx, h.ID)
			if err != nil {
				if errs.IsKind(err, errs.KindNotFound) {
					continue
				}
				return nil, err
			}
			if !m.Accessible(caller, now) {
				continue
			}
			union[h.ID] = &entry{memory: m, vec: h.Similarity, hasVec: true}
		}
	}

	if len(union) == 0 {
		return nil, nil
	}

	// Min-max normalize each signal over the union, then fuse.
	var lexVals, vecVals []float64
	for _, e := range union {
		if e.hasLex {
			lexVals = append(lexVals, e.lex)
		}
		if e.hasVec {
			vecVals = append(vecVals, e.vec)
		}
	}
	lexMin, lexMax := minMax(lexVals)
	vecMin, vecMax := minMax(vecVals)

	// A single-leg search carries its whole weight; fused searches blend.
	wLex, wVec := s.cfg.LexicalWeight, s.cfg.VectorWeight
	switch typ {
	case SearchLexical:
		wLex, wVec = 1, 0
	case SearchVector, SearchSemantic:
		wLex, wVec = 0, 1
	}

	results := make([]Result, 0, len(union))
	for _, e := range union {
		r := Result{
			Memory:       e.memory,
			LexicalScore: e.lex,
			VectorScore:  e.vec,
		}
		var normLex, normVec float64
		if e.hasLex {
			normLex = normalize(e.lex, lexMin, lexMax)
		}
		if e.hasVec {
			normVec = normalize(e.vec, vecMin, vecMax)
		}
		r.Score = wLex*normLex + wVec*normVec
		switch {
		case e.hasLex && e.hasVec:
			r.Match = MatchHybrid
		case e.hasLex:
			r.Match = MatchLexical
		default:
			r.Match = MatchVector
		}
		if opts.MinScore > 0 && r.Score < opts.MinScore {
			continue
		}
		results = append(results, r)
	}

	sortResults(results)

	switch opts.Strategy {
	case StrategyMMR:
		results = rerankMMR(results, s.cfg.MMRLambda, topK)
	case StrategyDiversity:
		results = rerankDiversity(results, topK)
	default:
		if len(results) > topK {
			results = results[:topK]
		}
	}
	return results, nil
}

// LexicalScore blends an exact-substring bonus with token overlap damped by
// a length penalty, so long documents do not win on vocabulary alone.
func LexicalScore(query, content string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	c := strings.ToLower(content)
	if q == "" || c == "" {
		return 0
	}

	exact := 0.0
	if strings.Contains(c, q) {
		exact = 1.0
	}

	qTokens := tokenSet(q)
	cTokens := tokenSet(c)
	overlap := 0.0
	if len(qTokens) > 0 {
		matched := 0
		for tok := range qTokens {
			if cTokens[tok] {
				matched++
			}
		}
		overlap = float64(matched) / float64(len(qTokens))
	}

	lengthPenalty := 1.0 / (1.0 + float64(len(content))/256.0)
	return 0.4*exact + 0.6*overlap*lengthPenalty
}

// rerankMMR greedily selects results maximizing fused score minus lambda
// times the max embedding similarity to anything already selected.
func rerankMMR(results []Result, lambda float64, topK int) []Result {
	if len(results) <= 1 {
		return results
	}
	selected := make([]Result, 0, topK)
	remaining := append([]Result(nil), results...)

	for len(selected) < topK && len(remaining) > 0 {
		bestIdx := 0
		bestScore := mmrScore(remaining[0], selected, lambda)
		for i := 1; i < len(remaining); i++ {
			score := mmrScore(remaining[i], selected, lambda)
			if score > bestScore || (score == bestScore && remaining[i].Memory.ID < remaining[bestIdx].Memory.ID) {
				bestIdx = i
				bestScore = score
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func mmrScore(r Result, selected []Result, lambda float64) float64 {
	maxSim := 0.0
	for _, s := range selected {
		sim := vector.Cosine(r.Memory.Embedding, s.Memory.Embedding)
		if sim > maxSim {
			maxSim = sim
		}
	}
	return r.Score - lambda*maxSim
}

// rerankDiversity keeps at most one result per memory type before filling
// the remainder by score, so a single dominant type cannot monopolize the
// window.
func rerankDiversity(results []Result, topK int) []Result {
	if len(results) <= 1 {
		return results
	}
	seenType := make(map[model.MemoryType]bool)
	picked := make([]Result, 0, topK)
	var rest []Result
	for _, r := range results {
		if len(picked) < topK && !seenType[r.Memory.Type] {
			seenType[r.Memory.Type] = true
			picked = append(picked, r)
		} else {
			rest = append(rest, r)
		}
	}
	for _, r := range rest {
		if len(picked) >= topK {
			break
		}
		picked = append(picked, r)
	}
	sortResults(picked)
	return picked
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
}

func minMax(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// normalize min-max scales v; a degenerate range maps to 1 so a lone signal
// still contributes.
func normalize(v, lo, hi float64) float64 {
	if hi == lo {
		return 1
	}
	return (v - lo) / (hi - lo)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		out[strings.Trim(tok, ".,!?;:\"'()")] = true
	}
	delete(out, "")
	return out
}
