package retrieval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/provider"
	"github.com/engramdev/engram/internal/store"
	"github.com/engramdev/engram/internal/vector"
)

func retrievalCfg() config.RetrievalConfig {
	return config.RetrievalConfig{
		TopK:          config.DefaultTopK,
		LexicalWeight: config.DefaultLexicalWeight,
		VectorWeight:  config.DefaultVectorWeight,
		MMRLambda:     config.DefaultMMRLambda,
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engram.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMemory(t *testing.T, s *store.Store, scope model.Scope, id, content string, importance float64) *model.Memory {
	t.Helper()
	m, err := model.NewMemory(id, scope, model.TypeSemantic, content, importance, time.Now().UTC())
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	if err := s.Create(context.Background(), m); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return m
}

func TestLexicalScore(t *testing.T) {
	short := "User prefers dark mode"
	if got := LexicalScore("dark mode", short); got <= 0.4 {
		t.Errorf("exact substring match score = %f, want > 0.4", got)
	}
	if got := LexicalScore("dark mode", "Favorite color is blue"); got != 0 {
		t.Errorf("no-overlap score = %f, want 0", got)
	}
	if got := LexicalScore("", short); got != 0 {
		t.Errorf("empty query score = %f, want 0", got)
	}

	// Same token overlap, longer document loses to the length penalty.
	long := short + " because the bright theme strains their eyes during long working sessions on most days of the week and the contrast settings help with reading code for hours"
	if LexicalScore("dark mode", long) >= LexicalScore("dark mode", short) {
		t.Error("longer content should score below shorter content with equal overlap")
	}
}

func TestSearchHybridAndMatchTypes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	index := vector.NewMemIndex()
	embedder := provider.NewMockEmbedder(32)
	scope := model.UserScope("a1", "u1")

	both := seedMemory(t, s, scope, "m1", "User prefers dark mode in the editor", 0.6)
	emb, _ := embedder.Embed(ctx, both.Content)
	if err := index.Upsert(ctx, scope, both.ID, emb); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Lexical-only: in the store but never indexed.
	seedMemory(t, s, scope, "m2", "Switching to dark mode was mentioned once", 0.4)

	searcher := NewSearcher(s, index, embedder, retrievalCfg())
	results, err := searcher.Search(ctx, scope, "dark mode", Options{TopK: 10, Strategy: StrategySimilarity})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	byID := make(map[string]Result)
	for _, r := range results {
		byID[r.Memory.ID] = r
	}
	if byID["m1"].Match != MatchHybrid {
		t.Errorf("m1 match = %s, want hybrid", byID["m1"].Match)
	}
	if byID["m2"].Match != MatchLexical {
		t.Errorf("m2 match = %s, want lexical", byID["m2"].Match)
	}
	if results[0].Memory.ID != "m1" {
		t.Errorf("top result = %s, want m1 (both signals)", results[0].Memory.ID)
	}
}

func TestSearchVectorOnlyResult(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	index := vector.NewMemIndex()
	embedder := provider.NewMockEmbedder(32)
	scope := model.UserScope("a1", "u1")

	m := seedMemory(t, s, scope, "m1", "Enjoys hiking in the mountains", 0.5)
	emb, _ := embedder.Embed(ctx, m.Content)
	if err := index.Upsert(ctx, scope, m.ID, emb); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	searcher := NewSearcher(s, index, embedder, retrievalCfg())
	// No token overlap, so FTS returns nothing and only the vector leg hits.
	results, err := searcher.Search(ctx, scope, "outdoor trekking", Options{TopK: 5, Strategy: StrategySimilarity})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Match != MatchVector {
		t.Fatalf("results = %+v, want one vector-only match", results)
	}
}

func TestSearchScopeIsolation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	index := vector.NewMemIndex()
	embedder := provider.NewMockEmbedder(32)

	alice := model.UserScope("a1", "alice")
	bob := model.UserScope("a1", "bob")

	m := seedMemory(t, s, alice, "m1", "Alice prefers dark mode", 0.5)
	emb, _ := embedder.Embed(ctx, m.Content)
	if err := index.Upsert(ctx, alice, m.ID, emb); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	searcher := NewSearcher(s, index, embedder, retrievalCfg())
	results, err := searcher.Search(ctx, bob, "dark mode", Options{TopK: 5, Strategy: StrategySimilarity})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("bob sees %d of alice's memories, want 0", len(results))
	}
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	s := openTestStore(t)
	searcher := NewSearcher(s, vector.NewMemIndex(), provider.NewMockEmbedder(8), retrievalCfg())
	if _, err := searcher.Search(context.Background(), model.GlobalScope(), "   ", Options{TopK: 5}); err == nil {
		t.Fatal("empty query should be rejected")
	}
}

func TestSearchTopKZeroReturnsNothing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	index := vector.NewMemIndex()
	embedder := provider.NewMockEmbedder(32)
	scope := model.UserScope("a1", "u1")

	m := seedMemory(t, s, scope, "m1", "User prefers dark mode", 0.6)
	emb, _ := embedder.Embed(ctx, m.Content)
	if err := index.Upsert(ctx, scope, m.ID, emb); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	searcher := NewSearcher(s, index, embedder, retrievalCfg())
	results, err := searcher.Search(ctx, scope, "dark mode", Options{TopK: 0})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %d, want 0 for top-k zero", len(results))
	}

	// Negative selects the configured default and still finds the memory.
	results, err = searcher.Search(ctx, scope, "dark mode", Options{TopK: -1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1 with default top-k", len(results))
	}
}

func TestSearchTypeSelectsLegs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	index := vector.NewMemIndex()
	embedder := provider.NewMockEmbedder(32)
	scope := model.UserScope("a1", "u1")

	m := seedMemory(t, s, scope, "m1", "User prefers dark mode in the editor", 0.6)
	emb, _ := embedder.Embed(ctx, m.Content)
	if err := index.Upsert(ctx, scope, m.ID, emb); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	searcher := NewSearcher(s, index, embedder, retrievalCfg())

	results, err := searcher.Search(ctx, scope, "dark mode", Options{TopK: 5, Type: SearchLexical})
	if err != nil {
		t.Fatalf("lexical search: %v", err)
	}
	if len(results) != 1 || results[0].Match != MatchLexical {
		t.Fatalf("lexical results = %+v, want one lexical match", results)
	}
	if results[0].VectorScore != 0 {
		t.Errorf("lexical search ran the vector leg: %+v", results[0])
	}

	for _, typ := range []SearchType{SearchVector, SearchSemantic} {
		results, err = searcher.Search(ctx, scope, "dark mode", Options{TopK: 5, Type: typ})
		if err != nil {
			t.Fatalf("%s search: %v", typ, err)
		}
		if len(results) != 1 || results[0].Match != MatchVector {
			t.Fatalf("%s results = %+v, want one vector match", typ, results)
		}
		if results[0].LexicalScore != 0 {
			t.Errorf("%s search ran the lexical leg: %+v", typ, results[0])
		}
	}

	if _, err := searcher.Search(ctx, scope, "dark mode", Options{TopK: 5, Type: "keyword"}); err == nil {
		t.Fatal("unknown search type should be rejected")
	}
}

func TestSearchMinScoreFiltersResults(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	scope := model.UserScope("a1", "u1")

	seedMemory(t, s, scope, "m1", "User prefers dark mode", 0.6)
	searcher := NewSearcher(s, vector.NewMemIndex(), nil, retrievalCfg())

	results, err := searcher.Search(ctx, scope, "dark mode", Options{TopK: 5, Type: SearchLexical})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1 without a floor", len(results))
	}

	results, err = searcher.Search(ctx, scope, "dark mode", Options{TopK: 5, Type: SearchLexical, MinScore: results[0].Score + 0.1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %d, want 0 above the score floor", len(results))
	}
}

func TestSearchPartsFusesModalities(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	index := vector.NewMemIndex()
	scope := model.UserScope("a1", "u1")

	photo := seedMemory(t, s, scope, "m1", "Red bicycle parked outside the office", 0.5)
	if err := index.Upsert(ctx, scope, photo.ID, []float32{1, 0}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	sheet := seedMemory(t, s, scope, "m2", "Quarterly revenue spreadsheet totals", 0.5)
	if err := index.Upsert(ctx, scope, sheet.ID, []float32{0, 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	searcher := NewSearcher(s, index, nil, retrievalCfg())
	parts := []QueryPart{
		{Modality: ModalityText, Content: "bicycle", Embedding: []float32{1, 0}, Confidence: 0.9},
		{Modality: ModalityImage, Embedding: []float32{0, 1}, Confidence: 0.1},
	}
	results, err := searcher.SearchParts(ctx, scope, parts, Options{TopK: 5, Strategy: StrategySimilarity})
	if err != nil {
		t.Fatalf("search parts: %v", err)
	}
	if len(results) == 0 || results[0].Memory.ID != "m1" {
		t.Fatalf("results = %+v, want m1 on top via fused text+image vector", results)
	}
	if results[0].Match != MatchHybrid {
		t.Errorf("m1 match = %s, want hybrid", results[0].Match)
	}
}

func TestSearchMinSimilarityFiltersVectorHits(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	index := vector.NewMemIndex()
	scope := model.UserScope("a1", "u1")

	m := seedMemory(t, s, scope, "m1", "Enjoys hiking in the mountains", 0.5)
	if err := index.Upsert(ctx, scope, m.ID, []float32{1, 0}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	cfg := retrievalCfg()
	cfg.MinSimilarity = 0.9
	searcher := NewSearcher(s, index, nil, cfg)

	// Orthogonal query vector folds to 0.5, below the floor; no token overlap
	// either, so nothing survives.
	parts := []QueryPart{{Modality: ModalityText, Content: "outdoor trekking", Embedding: []float32{0, 1}}}
	results, err := searcher.SearchParts(ctx, scope, parts, Options{TopK: 5, Strategy: StrategySimilarity})
	if err != nil {
		t.Fatalf("search parts: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %d, want 0 below the similarity floor", len(results))
	}
}

func TestSearchPartsValidation(t *testing.T) {
	s := openTestStore(t)
	searcher := NewSearcher(s, vector.NewMemIndex(), nil, retrievalCfg())
	ctx := context.Background()
	scope := model.GlobalScope()

	if _, err := searcher.SearchParts(ctx, scope, nil, Options{TopK: 5, Strategy: StrategySimilarity}); err == nil {
		t.Error("empty part list should be rejected")
	}
	if _, err := searcher.SearchParts(ctx, scope, []QueryPart{{Modality: ModalityImage}}, Options{TopK: 5, Strategy: StrategySimilarity}); err == nil {
		t.Error("image part without embedding should be rejected")
	}
	if _, err := searcher.SearchParts(ctx, scope, []QueryPart{{Modality: "audio", Content: "x"}}, Options{TopK: 5, Strategy: StrategySimilarity}); err == nil {
		t.Error("unknown modality should be rejected")
	}
	parts := []QueryPart{
		{Modality: ModalityText, Content: "a", Embedding: []float32{1, 0}},
		{Modality: ModalityImage, Embedding: []float32{1, 0, 0}},
	}
	if _, err := searcher.SearchParts(ctx, scope, parts, Options{TopK: 5, Strategy: StrategySimilarity}); err == nil {
		t.Error("mismatched embedding dimensions should be rejected")
	}
}

func mkResult(t *testing.T, id string, score float64, typ model.MemoryType, emb []float32) Result {
	t.Helper()
	m, err := model.NewMemory(id, model.GlobalScope(), typ, "content "+id, 0.5, time.Now().UTC())
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	m.Embedding = emb
	return Result{Memory: m, Score: score}
}

func TestRerankMMRPenalizesRedundancy(t *testing.T) {
	x := []float32{1, 0}
	y := []float32{0, 1}
	results := []Result{
		mkResult(t, "a", 1.0, model.TypeSemantic, x),
		mkResult(t, "b", 0.9, model.TypeSemantic, x),
		mkResult(t, "c", 0.85, model.TypeSemantic, y),
	}

	reranked := rerankMMR(results, 0.3, 2)
	if len(reranked) != 2 {
		t.Fatalf("reranked = %d, want 2", len(reranked))
	}
	if reranked[0].Memory.ID != "a" {
		t.Errorf("first pick = %s, want a", reranked[0].Memory.ID)
	}
	// b duplicates a exactly (penalty 0.3), c is orthogonal (penalty 0.15):
	// b scores 0.60, c scores 0.70.
	if reranked[1].Memory.ID != "c" {
		t.Errorf("second pick = %s, want the dissimilar c", reranked[1].Memory.ID)
	}
}

func TestRerankDiversitySpreadsTypes(t *testing.T) {
	results := []Result{
		mkResult(t, "a", 0.9, model.TypeSemantic, nil),
		mkResult(t, "b", 0.8, model.TypeSemantic, nil),
		mkResult(t, "c", 0.7, model.TypeEpisodic, nil),
	}

	reranked := rerankDiversity(results, 2)
	if len(reranked) != 2 {
		t.Fatalf("reranked = %d, want 2", len(reranked))
	}
	got := map[string]bool{reranked[0].Memory.ID: true, reranked[1].Memory.ID: true}
	if !got["a"] || !got["c"] {
		t.Errorf("diversity picks = %v, want a and c", got)
	}
}

func TestSortResultsTieBreaksByID(t *testing.T) {
	results := []Result{
		mkResult(t, "zz", 0.5, model.TypeSemantic, nil),
		mkResult(t, "aa", 0.5, model.TypeSemantic, nil),
		mkResult(t, "mm", 0.9, model.TypeSemantic, nil),
	}
	sortResults(results)
	if results[0].Memory.ID != "mm" || results[1].Memory.ID != "aa" || results[2].Memory.ID != "zz" {
		t.Fatalf("order = %s,%s,%s, want mm,aa,zz",
			results[0].Memory.ID, results[1].Memory.ID, results[2].Memory.ID)
	}
}
