package retrieve

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"lorebase/internal/config"
	"lorebase/internal/embed"
	"lorebase/internal/llm"
	"lorebase/internal/rerank"
	"lorebase/internal/store"
	"lorebase/internal/vectorstore"
)

// maxContextChars caps the assembled context string.
const maxContextChars = 8000

// fallbackChunkCount is how many leading chunks a single-KB query returns
// when every retrieval path comes back empty. The non-empty but
// low-confidence result distinguishes "KB empty" from "no match".
const fallbackChunkCount = 20

// fallbackConfidence marks the leading-chunks fallback.
const fallbackConfidence = 0.5

// Scope restricts retrieval to one KB or to all KBs owned by a user.
type Scope struct {
	UserID          int64
	KnowledgeBaseID *int64
}

// Result is the ranked context produced for a query.
type Result struct {
	// Context is the concatenated chunk texts, capped at maxContextChars.
	Context string
	// Confidence is the unit-interval retrieval quality estimate.
	Confidence float64
	// BestContext is the single highest-scoring chunk's text.
	BestContext string
	// Chunks is the ranked selection used for citations.
	Chunks []store.Chunk
}

// Engine composes the retrieval paths.
type Engine struct {
	store  store.Store
	vector vectorstore.Store
	embed  embed.Client
	rerank rerank.Client
	llm    llm.Client
	cfg    config.RAGConfig
}

// NewEngine wires the retrieval engine. rerankClient and llmClient may be
// nil; the corresponding stages are skipped.
func NewEngine(st store.Store, vs vectorstore.Store, emb embed.Client, rr rerank.Client, lc llm.Client, cfg config.RAGConfig) *Engine {
	return &Engine{store: st, vector: vs, embed: emb, rerank: rr, llm: lc, cfg: cfg}
}

// Retrieve runs the full pipeline for a query within the given scope.
func (e *Engine) Retrieve(ctx context.Context, scope Scope, query string, topK int) (Result, error) {
	if topK <= 0 {
		topK = 10
	}
	kbIDs, hybrid, rerankOn, err := e.resolveScope(ctx, scope)
	if err != nil {
		return Result{}, err
	}
	if len(kbIDs) == 0 {
		return Result{}, nil
	}

	queries := e.expandQueries(ctx, query)

	var lists []rankedList
	chunkByID := map[int64]store.Chunk{}

	denseLists := e.denseLists(ctx, queries, scope, kbIDs, topK, chunkByID)
	lists = append(lists, denseLists...)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if hybrid {
		for _, q := range queries {
			if list := e.lexicalList(ctx, q, kbIDs, topK, chunkByID); len(list) > 0 {
				lists = append(lists, list)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	fused := fuseRRF(lists, e.cfg.RRFK)
	if len(fused) == 0 {
		return e.emptyFallback(ctx, scope)
	}
	if len(fused) > topK*2 {
		fused = fused[:topK*2]
	}

	selected, confidence := e.rerankCandidates(ctx, query, fused, topK, rerankOn, chunkByID)
	if len(selected) == 0 {
		return e.emptyFallback(ctx, scope)
	}

	selectedChunks := make([]store.Chunk, 0, len(selected))
	for _, sc := range selected {
		if c, ok := chunkByID[sc.ChunkID]; ok {
			selectedChunks = append(selectedChunks, c)
		}
	}

	best := ""
	bestScore := 0.0
	for i, sc := range selected {
		c, ok := chunkByID[sc.ChunkID]
		if !ok {
			continue
		}
		if i == 0 || sc.Score > bestScore {
			best = c.Content
			bestScore = sc.Score
		}
	}

	contextChunks := e.expandWindows(ctx, selectedChunks)
	return Result{
		Context:     assembleContext(contextChunks),
		Confidence:  confidence,
		BestContext: best,
		Chunks:      selectedChunks,
	}, nil
}

// resolveScope returns the KB ids in scope plus the effective hybrid and
// rerank toggles. The all-KBs path has no single KB to read toggles from
// and uses the global defaults.
func (e *Engine) resolveScope(ctx context.Context, scope Scope) ([]int64, bool, bool, error) {
	if scope.KnowledgeBaseID != nil {
		kb, err := e.store.GetKB(ctx, *scope.KnowledgeBaseID, scope.UserID)
		if err != nil {
			return nil, false, false, err
		}
		return []int64{kb.ID}, kb.HybridSearch, kb.Rerank, nil
	}
	ids, err := e.store.ListKBIDs(ctx, scope.UserID)
	if err != nil {
		return nil, false, false, err
	}
	return ids, true, true, nil
}

// expandQueries asks the LLM for paraphrases and prepends the original.
func (e *Engine) expandQueries(ctx context.Context, query string) []string {
	queries := []string{query}
	if !e.cfg.QueryExpand || e.cfg.QueryExpandCount <= 0 || e.llm == nil {
		return queries
	}
	expanded, err := expandQuery(ctx, e.llm, query, e.cfg.QueryExpandCount)
	if err != nil {
		log.Debug().Err(err).Msg("query expansion failed")
		return queries
	}
	return append(queries, expanded...)
}

// denseLists runs vector search once per query, concurrently, and
// resolves payload chunk ids against the relational store so orphan
// vectors never surface.
func (e *Engine) denseLists(ctx context.Context, queries []string, scope Scope, kbIDs []int64, topK int, chunkByID map[int64]store.Chunk) []rankedList {
	if e.vector == nil || e.embed == nil {
		return nil
	}
	var filter *vectorstore.Filter
	if scope.KnowledgeBaseID != nil {
		filter = &vectorstore.Filter{KnowledgeBaseID: scope.KnowledgeBaseID}
	}

	hitLists := make([][]vectorstore.Result, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			vecs, err := e.embed.EmbedTexts(gctx, []string{q})
			if err != nil || len(vecs) == 0 {
				log.Warn().Err(err).Msg("query embedding failed")
				return nil
			}
			hits, err := e.vector.Search(gctx, vecs[0], topK*3, filter)
			if err != nil {
				log.Warn().Err(err).Msg("vector search failed")
				return nil
			}
			hitLists[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	// Resolve every payload chunk id in one relational read.
	idSet := map[int64]bool{}
	for _, hits := range hitLists {
		for _, h := range hits {
			if h.Payload.ChunkID != 0 {
				idSet[h.Payload.ChunkID] = true
			}
		}
	}
	if len(idSet) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	rows, err := e.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Msg("dense hit resolution failed")
		return nil
	}
	inScope := map[int64]bool{}
	for _, kb := range kbIDs {
		inScope[kb] = true
	}

	var lists []rankedList
	for _, hits := range hitLists {
		var list rankedList
		for _, h := range hits {
			c, ok := rows[h.Payload.ChunkID]
			if !ok || !inScope[c.KnowledgeBaseID] {
				continue
			}
			chunkByID[c.ID] = c
			list = append(list, c.ID)
		}
		if len(list) > 0 {
			lists = append(lists, list)
		}
	}
	return lists
}

// lexicalList fetches a LIKE candidate pool and ranks it with BM25 (or
// plain keyword counts when BM25 is disabled).
func (e *Engine) lexicalList(ctx context.Context, query string, kbIDs []int64, topK int, chunkByID map[int64]store.Chunk) rankedList {
	keywords := QueryKeywords(query)
	if len(keywords) == 0 {
		return nil
	}
	pool, err := e.store.SearchChunksLike(ctx, kbIDs, keywords, topK*6)
	if err != nil {
		log.Warn().Err(err).Msg("lexical candidate query failed")
		return nil
	}
	if len(pool) == 0 {
		return nil
	}
	docs := make([]string, len(pool))
	for i, c := range pool {
		docs[i] = c.Content
	}
	var scored []ScoredDoc
	if e.cfg.UseBM25 {
		scored = BM25Scores(query, docs)
	} else {
		scored = KeywordCountScores(keywords, docs)
	}
	var list rankedList
	for _, sd := range scored {
		if sd.Score <= 0 {
			continue
		}
		c := pool[sd.Index]
		chunkByID[c.ID] = c
		list = append(list, c.ID)
		if len(list) == topK*3 {
			break
		}
	}
	return list
}

// rerankCandidates applies the cross-encoder when enabled; on failure the
// RRF order stands and confidence derives from the top RRF score.
func (e *Engine) rerankCandidates(ctx context.Context, query string, fused []ScoredChunk, topK int, rerankOn bool, chunkByID map[int64]store.Chunk) ([]ScoredChunk, float64) {
	rrfFallback := func() ([]ScoredChunk, float64) {
		selected := fused
		if len(selected) > topK {
			selected = selected[:topK]
		}
		maxRRF := 0.0
		for _, sc := range selected {
			if sc.Score > maxRRF {
				maxRRF = sc.Score
			}
		}
		conf := maxRRF * float64(e.cfg.RRFK)
		if conf > 1 {
			conf = 1
		}
		return selected, conf
	}

	if !rerankOn || e.rerank == nil {
		return rrfFallback()
	}

	docs := make([]string, len(fused))
	for i, sc := range fused {
		docs[i] = chunkByID[sc.ChunkID].Content
	}
	topN := topK
	if topN > len(docs) {
		topN = len(docs)
	}
	results, err := e.rerank.Rerank(ctx, query, docs, topN)
	if err != nil || len(results) == 0 {
		log.Warn().Err(err).Msg("rerank failed, keeping RRF order")
		return rrfFallback()
	}
	var selected []ScoredChunk
	maxScore := 0.0
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(fused) {
			continue
		}
		selected = append(selected, ScoredChunk{ChunkID: fused[r.Index].ChunkID, Score: r.RelevanceScore})
		if r.RelevanceScore > maxScore {
			maxScore = r.RelevanceScore
		}
		if len(selected) == topK {
			break
		}
	}
	if len(selected) == 0 {
		return rrfFallback()
	}
	return selected, clamp01(maxScore)
}

// expandWindows widens each selected chunk with its file neighbours and
// orders the result by (file_id, chunk_index) for concatenation.
func (e *Engine) expandWindows(ctx context.Context, selected []store.Chunk) []store.Chunk {
	n := e.cfg.ContextWindowExpand
	if n <= 0 {
		out := make([]store.Chunk, len(selected))
		copy(out, selected)
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].FileID == out[j].FileID {
				return out[i].ChunkIndex < out[j].ChunkIndex
			}
			return out[i].FileID < out[j].FileID
		})
		return out
	}
	seen := map[int64]bool{}
	var out []store.Chunk
	for _, c := range selected {
		from := c.ChunkIndex - n
		if from < 0 {
			from = 0
		}
		neighbours, err := e.store.ListChunkRange(ctx, c.KnowledgeBaseID, c.FileID, from, c.ChunkIndex+n)
		if err != nil {
			log.Warn().Err(err).Int64("chunk", c.ID).Msg("window expansion failed")
			neighbours = []store.Chunk{c}
		}
		for _, nb := range neighbours {
			if !seen[nb.ID] {
				seen[nb.ID] = true
				out = append(out, nb)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FileID == out[j].FileID {
			return out[i].ChunkIndex < out[j].ChunkIndex
		}
		return out[i].FileID < out[j].FileID
	})
	return out
}

func (e *Engine) emptyFallback(ctx context.Context, scope Scope) (Result, error) {
	if scope.KnowledgeBaseID == nil {
		return Result{}, nil
	}
	chunks, err := e.store.FirstChunks(ctx, *scope.KnowledgeBaseID, fallbackChunkCount)
	if err != nil || len(chunks) == 0 {
		return Result{}, nil
	}
	return Result{
		Context:     assembleContext(chunks),
		Confidence:  fallbackConfidence,
		BestContext: chunks[0].Content,
		Chunks:      chunks,
	}, nil
}

func assembleContext(chunks []store.Chunk) string {
	var parts []string
	for _, c := range chunks {
		if c.Content != "" {
			parts = append(parts, c.Content)
		}
	}
	joined := strings.Join(parts, "\n\n")
	if len(joined) > maxContextChars {
		joined = joined[:maxContextChars]
	}
	return joined
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
