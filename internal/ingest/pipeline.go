// Package ingest runs the upload→extract→chunk→embed→persist pipeline.
// Each file is one transaction boundary: its chunk rows and counter
// updates commit together or not at all, and vectors upserted before a
// rollback are deleted from the vector store again.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"lorebase/internal/cache"
	"lorebase/internal/chunker"
	"lorebase/internal/config"
	"lorebase/internal/embed"
	"lorebase/internal/extract"
	"lorebase/internal/files"
	"lorebase/internal/store"
	"lorebase/internal/vectorstore"
)

// maxImageChunkChars caps the OCR text stored on the image-source chunk.
const maxImageChunkChars = 2000

// Pipeline wires the ingestion stages.
type Pipeline struct {
	store     store.Store
	files     *files.Service
	extractor *extract.Extractor
	embed     embed.Client
	vector    vectorstore.Store
	cache     *cache.Cache
	chunking  config.ChunkingConfig
	// defaultDim sizes the collection when the dimension probe fails.
	defaultDim int
}

// New builds the pipeline. cache may be nil. defaultDim is the configured
// vector dimension, used only when the provider probe fails.
func New(st store.Store, fs *files.Service, ex *extract.Extractor, emb embed.Client, vs vectorstore.Store, c *cache.Cache, chunking config.ChunkingConfig, defaultDim int) *Pipeline {
	return &Pipeline{store: st, files: fs, extractor: ex, embed: emb, vector: vs, cache: c, chunking: chunking, defaultDim: defaultDim}
}

// skipError aborts one file's transaction with a user-facing reason while
// letting the batch continue.
type skipError struct{ reason string }

func (e skipError) Error() string { return e.reason }

// AddFiles links the given files into the KB, chunking and embedding each
// one. Returns the refreshed KB and the per-file skips.
func (p *Pipeline) AddFiles(ctx context.Context, kbID int64, fileIDs []int64, userID int64) (store.KnowledgeBase, []SkippedFile, error) {
	var (
		kb      store.KnowledgeBase
		skipped []SkippedFile
	)
	for ev := range p.AddFilesStream(ctx, kbID, fileIDs, userID) {
		switch ev.Type {
		case "error":
			return store.KnowledgeBase{}, skipped, errors.New(ev.Message)
		case "done":
			skipped = ev.Skipped
			refreshed, err := p.store.GetKB(ctx, kbID, userID)
			if err != nil {
				return store.KnowledgeBase{}, skipped, err
			}
			kb = refreshed
		}
	}
	return kb, skipped, nil
}

// AddFilesStream is the streaming variant: it yields file_start,
// file_done, and file_skip events in order, then one done event (or an
// error event). The channel closes when the batch ends.
func (p *Pipeline) AddFilesStream(ctx context.Context, kbID int64, fileIDs []int64, userID int64) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		p.runBatch(ctx, kbID, fileIDs, userID, out)
	}()
	return out
}

func (p *Pipeline) runBatch(ctx context.Context, kbID int64, fileIDs []int64, userID int64, out chan<- Event) {
	kb, err := p.store.GetKB(ctx, kbID, userID)
	if err != nil {
		out <- Event{Type: "error", Message: "知识库不存在"}
		return
	}

	// Observe the provider's real dimension before the first insert so a
	// misconfigured default cannot produce a mismatched collection.
	dim, err := p.embed.Dimension(ctx)
	if err != nil {
		log.Warn().Err(err).Int("default", p.defaultDim).Msg("dimension probe failed, using configured default")
		dim = p.defaultDim
	}
	if err := p.vector.EnsureCollection(ctx, dim); err != nil {
		out <- Event{Type: "error", Message: fmt.Sprintf("无法创建向量集合: %v", err)}
		return
	}

	var skipped []SkippedFile
	for _, fileID := range fileIDs {
		f, err := p.store.GetFile(ctx, fileID, userID)
		if err != nil {
			skip := SkippedFile{FileID: fileID, OriginalFilename: fmt.Sprintf("文件 %d", fileID), Reason: "文件不存在或无权访问"}
			skipped = append(skipped, skip)
			out <- Event{Type: "file_skip", FileID: fileID, Filename: skip.OriginalFilename, Reason: skip.Reason}
			continue
		}
		out <- Event{Type: "file_start", FileID: f.ID, Filename: f.OriginalFilename}

		added, err := p.ingestFile(ctx, &kb, &f, userID)
		if err != nil {
			var skip skipError
			reason := "处理失败"
			if errors.As(err, &skip) {
				reason = skip.reason
			} else {
				log.Error().Err(err).Int64("file", f.ID).Msg("file ingestion failed")
				reason = fmt.Sprintf("向量化失败: %v", err)
			}
			skipped = append(skipped, SkippedFile{FileID: f.ID, OriginalFilename: f.OriginalFilename, Reason: reason})
			out <- Event{Type: "file_skip", FileID: f.ID, Filename: f.OriginalFilename, Reason: reason}
			continue
		}
		out <- Event{Type: "file_done", FileID: f.ID, Filename: f.OriginalFilename, ChunkCount: added}
	}

	kb, err = p.store.GetKB(ctx, kbID, userID)
	if err != nil {
		out <- Event{Type: "error", Message: err.Error()}
		return
	}
	if p.cache != nil {
		p.cache.InvalidateKB(ctx, userID, kbID)
	}
	out <- Event{
		Type:    "done",
		Stats:   &KBStats{KnowledgeBaseID: kb.ID, FileCount: kb.FileCount, ChunkCount: kb.ChunkCount},
		Skipped: skipped,
	}
}

// chunkParams resolves per-KB overrides over the global defaults.
func (p *Pipeline) chunkParams(kb *store.KnowledgeBase) chunker.Options {
	opt := chunker.Options{
		Size:           p.chunking.Size,
		Overlap:        p.chunking.Overlap,
		MaxExpandRatio: p.chunking.MaxExpandRatio,
	}
	if kb.ChunkSize != nil {
		opt.Size = *kb.ChunkSize
	}
	if kb.ChunkOverlap != nil {
		opt.Overlap = *kb.ChunkOverlap
	}
	if kb.ChunkMaxExpandRatio != nil {
		opt.MaxExpandRatio = *kb.ChunkMaxExpandRatio
	}
	return opt
}

// ingestFile processes one file and returns the number of chunks added.
// External I/O (object store read, extraction, chunking, embedding) runs
// before the transaction; rows, vectors, and counters commit inside it.
func (p *Pipeline) ingestFile(ctx context.Context, kb *store.KnowledgeBase, f *store.File, userID int64) (int, error) {
	exists, err := p.store.HasKBFile(ctx, kb.ID, f.ID)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, skipError{reason: "已在知识库中"}
	}

	content, reason, err := p.files.Content(ctx, f.ID, userID)
	if err != nil {
		return 0, skipError{reason: reason}
	}

	isImage := extract.IsImageType(f.FileType)
	text := p.extractor.Text(ctx, content, f.FileType)
	if text == "" {
		return 0, skipError{reason: "提取文本为空（可能为扫描版 PDF 或格式不支持）"}
	}

	pieces := chunker.Chunk(text, p.chunkParams(kb))
	if len(pieces) == 0 {
		return 0, skipError{reason: "切分后无文本块"}
	}

	vectors, err := p.embed.EmbedTexts(ctx, pieces)
	if err != nil {
		return 0, skipError{reason: fmt.Sprintf("向量化失败: %v", err)}
	}
	if len(vectors) != len(pieces) {
		return 0, skipError{reason: fmt.Sprintf("向量数量 %d 与文本块数量 %d 不匹配", len(vectors), len(pieces))}
	}
	if isImage {
		imgVec, err := p.embed.EmbedImage(ctx, content, f.FileType)
		if err != nil {
			return 0, skipError{reason: fmt.Sprintf("图片向量化失败: %v", err)}
		}
		vectors = append(vectors, imgVec)
	}

	chunks := make([]*store.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = &store.Chunk{
			FileID:          f.ID,
			KnowledgeBaseID: kb.ID,
			Content:         piece,
			ChunkIndex:      i,
			EmbeddingSource: store.SourceText,
		}
	}
	if isImage {
		// One extra image-source chunk carries the OCR text with the
		// image's own embedding, so text-to-image and image-to-image
		// search work in the same space.
		chunks = append(chunks, &store.Chunk{
			FileID:          f.ID,
			KnowledgeBaseID: kb.ID,
			Content:         truncateRunes(text, maxImageChunkChars),
			ChunkIndex:      len(pieces),
			EmbeddingSource: store.SourceImage,
		})
	}

	added := 0
	var orphanVectorIDs []int64
	err = p.store.WithTx(ctx, func(tx store.Store) error {
		if _, err := tx.CreateKBFile(ctx, kb.ID, f.ID); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return skipError{reason: "已在知识库中"}
			}
			return err
		}
		if err := tx.CreateChunks(ctx, chunks); err != nil {
			return err
		}

		chunkIDs := make([]int64, len(chunks))
		vectorIDs := make([]int64, len(chunks))
		points := make([]vectorstore.Point, len(chunks))
		for i, c := range chunks {
			chunkIDs[i] = c.ID
			vectorIDs[i] = vectorstore.VectorID(c.ID)
			points[i] = vectorstore.Point{
				ID:     vectorIDs[i],
				Vector: vectors[i],
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
		if err := tx.SetChunkVectorIDs(ctx, chunkIDs, vectorIDs); err != nil {
			return err
		}
		if err := p.vector.Upsert(ctx, points); err != nil {
			return skipError{reason: fmt.Sprintf("向量化失败: %v", err)}
		}
		// Vectors are live from here. If the transaction still fails,
		// the rows vanish; record these ids so they are deleted after
		// the rollback.
		orphanVectorIDs = vectorIDs

		// Counters are read and written inside the transaction so
		// concurrent ingestions into the same KB cannot lose updates.
		delta := len(chunks)
		curFile, err := tx.GetFile(ctx, f.ID, userID)
		if err != nil {
			return err
		}
		curFile.ChunkCount += delta
		if err := tx.UpdateFile(ctx, &curFile); err != nil {
			return err
		}
		*f = curFile
		curKB, err := tx.GetKB(ctx, kb.ID, userID)
		if err != nil {
			return err
		}
		fileCount, err := tx.CountKBFiles(ctx, kb.ID)
		if err != nil {
			return err
		}
		curKB.FileCount = fileCount
		curKB.ChunkCount += delta
		if err := tx.UpdateKB(ctx, &curKB); err != nil {
			return err
		}
		*kb = curKB
		added = delta
		orphanVectorIDs = nil
		return nil
	})
	if err != nil {
		if len(orphanVectorIDs) > 0 {
			if derr := p.vector.Delete(ctx, orphanVectorIDs); derr != nil {
				log.Warn().Err(derr).Int64("file", f.ID).Ints64("vector_ids", orphanVectorIDs).
					Msg("transaction rolled back after vector upsert; orphan vector cleanup failed")
			}
		}
		// Refresh in-memory copies the failed transaction may have touched.
		if fresh, ferr := p.store.GetFile(ctx, f.ID, userID); ferr == nil {
			*f = fresh
		}
		if fresh, kerr := p.store.GetKB(ctx, kb.ID, userID); kerr == nil {
			*kb = fresh
		}
		return 0, err
	}
	return added, nil
}

// RemoveFile unlinks a file from the KB, deleting its chunks in this KB
// and their vectors, and updating the aggregate counters.
func (p *Pipeline) RemoveFile(ctx context.Context, kbID, fileID, userID int64) error {
	if _, err := p.store.GetKB(ctx, kbID, userID); err != nil {
		return err
	}
	exists, err := p.store.HasKBFile(ctx, kbID, fileID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: file not in knowledge base", store.ErrNotFound)
	}
	if _, err := p.store.GetFile(ctx, fileID, userID); err != nil {
		return err
	}
	chunks, err := p.store.ListChunksByKBFile(ctx, kbID, fileID)
	if err != nil {
		return err
	}

	// The vector ids are a pure function of the chunk ids, so deletion
	// needs no lookup and tolerates earlier partial failures.
	if len(chunks) > 0 {
		ids := make([]int64, len(chunks))
		for i, c := range chunks {
			ids[i] = vectorstore.VectorID(c.ID)
		}
		if err := p.vector.Delete(ctx, ids); err != nil {
			log.Warn().Err(err).Int("count", len(ids)).Msg("vector delete failed, continuing with row cleanup")
		}
	}

	err = p.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.DeleteChunksByKBFile(ctx, kbID, fileID); err != nil {
			return err
		}
		if err := tx.DeleteKBFile(ctx, kbID, fileID); err != nil {
			return err
		}
		delta := len(chunks)
		curFile, err := tx.GetFile(ctx, fileID, userID)
		if err != nil {
			return err
		}
		curFile.ChunkCount -= delta
		if curFile.ChunkCount < 0 {
			curFile.ChunkCount = 0
		}
		if err := tx.UpdateFile(ctx, &curFile); err != nil {
			return err
		}
		curKB, err := tx.GetKB(ctx, kbID, userID)
		if err != nil {
			return err
		}
		curKB.FileCount--
		if curKB.FileCount < 0 {
			curKB.FileCount = 0
		}
		curKB.ChunkCount -= delta
		if curKB.ChunkCount < 0 {
			curKB.ChunkCount = 0
		}
		return tx.UpdateKB(ctx, &curKB)
	})
	if err != nil {
		return err
	}
	if p.cache != nil {
		p.cache.InvalidateKB(ctx, userID, kbID)
	}
	return nil
}

// ReindexFile removes and re-adds one file, rebuilding its chunks and
// vectors with the current chunking parameters.
func (p *Pipeline) ReindexFile(ctx context.Context, kbID, fileID, userID int64) (store.KnowledgeBase, error) {
	if err := p.RemoveFile(ctx, kbID, fileID, userID); err != nil {
		return store.KnowledgeBase{}, err
	}
	kb, skipped, err := p.AddFiles(ctx, kbID, []int64{fileID}, userID)
	if err != nil {
		return store.KnowledgeBase{}, err
	}
	if len(skipped) > 0 {
		return kb, fmt.Errorf("reindex skipped: %s", skipped[0].Reason)
	}
	return kb, nil
}

// ReindexAll rebuilds every file in the KB, counting successes.
func (p *Pipeline) ReindexAll(ctx context.Context, kbID, userID int64) (store.KnowledgeBase, int, error) {
	fileIDs, err := p.store.ListKBFileIDs(ctx, kbID)
	if err != nil {
		return store.KnowledgeBase{}, 0, err
	}
	reindexed := 0
	for _, fid := range fileIDs {
		if _, err := p.ReindexFile(ctx, kbID, fid, userID); err != nil {
			log.Warn().Err(err).Int64("file", fid).Int64("kb", kbID).Msg("reindex failed for file")
			continue
		}
		reindexed++
	}
	kb, err := p.store.GetKB(ctx, kbID, userID)
	if err != nil {
		return store.KnowledgeBase{}, reindexed, err
	}
	return kb, reindexed, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
