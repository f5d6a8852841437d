package retrieve

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"lorebase/internal/config"
	"lorebase/internal/embed"
	"lorebase/internal/rerank"
	"lorebase/internal/store"
	"lorebase/internal/vectorstore"
)

type fakeReranker struct {
	results []rerank.Result
	err     error
	calls   int
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, docs []string, topN int) ([]rerank.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.results != nil {
		return f.results, nil
	}
	// Identity order with descending scores.
	var out []rerank.Result
	for i := 0; i < topN && i < len(docs); i++ {
		out = append(out, rerank.Result{Index: i, RelevanceScore: 1.0 - float64(i)*0.05})
	}
	return out, nil
}

func testConfig() config.RAGConfig {
	return config.RAGConfig{
		ConfidenceThreshold: 0.6,
		RRFK:                60,
		UseBM25:             true,
		QueryExpand:         false,
		ContextWindowExpand: 0,
	}
}

type fixture struct {
	store  store.Store
	vector vectorstore.Store
	embed  embed.Client
	kb     *store.KnowledgeBase
	file   *store.File
}

func newFixture(t *testing.T, contents []string, indexVectors bool) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	vs := vectorstore.NewMemory()
	emb := embed.NewDeterministic(64)

	kb := &store.KnowledgeBase{UserID: 1, Name: "kb", HybridSearch: true, Rerank: true}
	if err := st.CreateKB(ctx, kb); err != nil {
		t.Fatalf("create kb: %v", err)
	}
	f := &store.File{UserID: 1, Filename: "doc.txt", OriginalFilename: "doc.txt", FileType: "txt", Status: store.FileCompleted}
	if err := st.CreateFile(ctx, f); err != nil {
		t.Fatalf("create file: %v", err)
	}
	chunks := make([]*store.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = &store.Chunk{FileID: f.ID, KnowledgeBaseID: kb.ID, Content: c, ChunkIndex: i, EmbeddingSource: store.SourceText}
	}
	if err := st.CreateChunks(ctx, chunks); err != nil {
		t.Fatalf("create chunks: %v", err)
	}
	if indexVectors {
		dim, _ := emb.Dimension(ctx)
		if err := vs.EnsureCollection(ctx, dim); err != nil {
			t.Fatalf("ensure collection: %v", err)
		}
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vecs, _ := emb.EmbedTexts(ctx, texts)
		points := make([]vectorstore.Point, len(chunks))
		for i, c := range chunks {
			points[i] = vectorstore.Point{
				ID:     vectorstore.VectorID(c.ID),
				Vector: vecs[i],
				Payload: vectorstore.Payload{
					ChunkID:         c.ID,
					Content:         c.Content,
					FileID:          c.FileID,
					KnowledgeBaseID: c.KnowledgeBaseID,
					ChunkIndex:      c.ChunkIndex,
					EmbeddingSource: c.EmbeddingSource,
				},
			}
		}
		if err := vs.Upsert(ctx, points); err != nil {
			t.Fatalf("upsert vectors: %v", err)
		}
	}
	return &fixture{store: st, vector: vs, embed: emb, kb: kb, file: f}
}

func TestRetrieve_LexicalExactMatchWins(t *testing.T) {
	fx := newFixture(t, []string{
		"ISBN 978-3-16-148410-0 printed on the back cover of the volume",
		"the book's identifier is a unique code assigned by publishers",
		"completely unrelated cooking instructions for pasta",
	}, true)
	eng := NewEngine(fx.store, fx.vector, fx.embed, nil, nil, testConfig())
	kbID := fx.kb.ID

	res, err := eng.Retrieve(context.Background(), Scope{UserID: 1, KnowledgeBaseID: &kbID}, "ISBN 978-3-16-148410-0", 3)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res.Chunks) == 0 {
		t.Fatalf("no chunks retrieved")
	}
	if !strings.Contains(res.Chunks[0].Content, "ISBN") {
		t.Fatalf("expected ISBN chunk first, got %q", res.Chunks[0].Content)
	}

	res, err = eng.Retrieve(context.Background(), Scope{UserID: 1, KnowledgeBaseID: &kbID}, "the book's identifier", 3)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res.Chunks) == 0 || !strings.Contains(res.Chunks[0].Content, "identifier") {
		t.Fatalf("expected semantic chunk first, got %+v", res.Chunks)
	}
}

func TestRetrieve_RerankOrdersAndSetsConfidence(t *testing.T) {
	fx := newFixture(t, []string{
		"alpha retrieval content about databases",
		"beta retrieval content about databases",
	}, true)
	rr := &fakeReranker{}
	eng := NewEngine(fx.store, fx.vector, fx.embed, rr, nil, testConfig())
	kbID := fx.kb.ID
	res, err := eng.Retrieve(context.Background(), Scope{UserID: 1, KnowledgeBaseID: &kbID}, "retrieval content databases", 2)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if rr.calls == 0 {
		t.Fatalf("reranker not invoked")
	}
	if res.Confidence != 1.0 {
		t.Fatalf("expected confidence from top rerank score, got %f", res.Confidence)
	}
	if res.BestContext == "" {
		t.Fatalf("expected best single context")
	}
}

func TestRetrieve_RerankFailureFallsBackToRRF(t *testing.T) {
	fx := newFixture(t, []string{
		"gamma retrieval content about indexes",
		"delta retrieval content about indexes",
	}, true)
	rr := &fakeReranker{err: fmt.Errorf("reranker down")}
	eng := NewEngine(fx.store, fx.vector, fx.embed, rr, nil, testConfig())
	kbID := fx.kb.ID
	res, err := eng.Retrieve(context.Background(), Scope{UserID: 1, KnowledgeBaseID: &kbID}, "retrieval content indexes", 2)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res.Chunks) == 0 {
		t.Fatalf("expected RRF-ordered chunks after rerank failure")
	}
	if res.Confidence <= 0 || res.Confidence > 1 {
		t.Fatalf("expected RRF-derived confidence in (0,1], got %f", res.Confidence)
	}
}

func TestRetrieve_EmptyPathsFallBackToLeadingChunks(t *testing.T) {
	// Chunks exist in the relational store, but nothing was ever indexed
	// into the vector store and the query shares no keywords.
	fx := newFixture(t, []string{
		"第一段内容。", "第二段内容。",
	}, false)
	eng := NewEngine(fx.store, fx.vector, fx.embed, nil, nil, testConfig())
	kbID := fx.kb.ID
	res, err := eng.Retrieve(context.Background(), Scope{UserID: 1, KnowledgeBaseID: &kbID}, "zzzz qqqq", 5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if res.Confidence != fallbackConfidence {
		t.Fatalf("expected fallback confidence %f, got %f", fallbackConfidence, res.Confidence)
	}
	if res.Context == "" || len(res.Chunks) != 2 {
		t.Fatalf("expected leading chunks, got %d", len(res.Chunks))
	}
}

func TestRetrieve_AllKBScopeEmptyWithoutKBs(t *testing.T) {
	st := store.NewMemory()
	eng := NewEngine(st, vectorstore.NewMemory(), embed.NewDeterministic(16), nil, nil, testConfig())
	res, err := eng.Retrieve(context.Background(), Scope{UserID: 42}, "anything", 5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if res.Context != "" || res.Confidence != 0 {
		t.Fatalf("expected empty result for user without KBs: %+v", res)
	}
}

func TestRetrieve_WindowExpansionIncludesNeighbours(t *testing.T) {
	fx := newFixture(t, []string{
		"chapter intro text, nothing special here",
		"the target passage mentioning quasar alignment protocols",
		"chapter outro text, nothing special here",
	}, true)
	cfg := testConfig()
	cfg.ContextWindowExpand = 1
	eng := NewEngine(fx.store, fx.vector, fx.embed, nil, nil, cfg)
	kbID := fx.kb.ID
	res, err := eng.Retrieve(context.Background(), Scope{UserID: 1, KnowledgeBaseID: &kbID}, "quasar alignment protocols", 1)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !strings.Contains(res.Context, "intro") || !strings.Contains(res.Context, "outro") {
		t.Fatalf("expected neighbours in context: %q", res.Context)
	}
	// Neighbours appear in file order.
	if strings.Index(res.Context, "intro") > strings.Index(res.Context, "target") {
		t.Fatalf("context not in chunk-index order")
	}
}

func TestSearchImagesByText_PrefersImageFiles(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	vs := vectorstore.NewMemory()
	emb := embed.NewDeterministic(64)

	kb := &store.KnowledgeBase{UserID: 1, Name: "kb", HybridSearch: true}
	_ = st.CreateKB(ctx, kb)
	img := &store.File{UserID: 1, Filename: "cat.png", OriginalFilename: "cat.png", FileType: "png", Status: store.FileCompleted}
	txt := &store.File{UserID: 1, Filename: "cat.txt", OriginalFilename: "cat.txt", FileType: "txt", Status: store.FileCompleted}
	_ = st.CreateFile(ctx, img)
	_ = st.CreateFile(ctx, txt)
	chunks := []*store.Chunk{
		{FileID: img.ID, KnowledgeBaseID: kb.ID, Content: "一只橘猫趴在窗台上晒太阳。", ChunkIndex: 0, EmbeddingSource: store.SourceImage},
		{FileID: txt.ID, KnowledgeBaseID: kb.ID, Content: "一只橘猫趴在窗台上晒太阳。", ChunkIndex: 0, EmbeddingSource: store.SourceText},
	}
	_ = st.CreateChunks(ctx, chunks)
	dim, _ := emb.Dimension(ctx)
	_ = vs.EnsureCollection(ctx, dim)
	for _, c := range chunks {
		vec, _ := emb.EmbedTexts(ctx, []string{c.Content})
		_ = vs.Upsert(ctx, []vectorstore.Point{{
			ID:     vectorstore.VectorID(c.ID),
			Vector: vec[0],
			Payload: vectorstore.Payload{
				ChunkID: c.ID, Content: c.Content, FileID: c.FileID,
				KnowledgeBaseID: c.KnowledgeBaseID, EmbeddingSource: c.EmbeddingSource,
			},
		}})
	}

	eng := NewEngine(st, vs, emb, nil, nil, testConfig())
	kbID := kb.ID
	hits, err := eng.SearchImagesByText(ctx, Scope{UserID: 1, KnowledgeBaseID: &kbID}, "橘猫", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected only the image file, got %d hits", len(hits))
	}
	if hits[0].FileID != img.ID || hits[0].FileType != "png" {
		t.Fatalf("wrong hit: %+v", hits[0])
	}
	if hits[0].Snippet == "" {
		t.Fatalf("expected snippet from payload content")
	}
}
