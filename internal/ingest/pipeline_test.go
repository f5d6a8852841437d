package ingest

import (
	"context"
	"strings"
	"testing"

	"lorebase/internal/config"
	"lorebase/internal/embed"
	"lorebase/internal/extract"
	"lorebase/internal/files"
	"lorebase/internal/objectstore"
	"lorebase/internal/store"
	"lorebase/internal/vectorstore"
)

type fakeOCR struct{ text string }

func (f *fakeOCR) OCR(context.Context, []byte, string) (string, error) { return f.text, nil }

type env struct {
	store    store.Store
	objects  *objectstore.MemoryStore
	vectors  vectorstore.Store
	files    *files.Service
	pipeline *Pipeline
}

func newEnv(t *testing.T, ocrText string) *env {
	t.Helper()
	st := store.NewMemory()
	objects := objectstore.NewMemory()
	vectors := vectorstore.NewMemory()
	emb := embed.NewDeterministic(32)
	uploadCfg := config.UploadConfig{
		MaxFileSize:       1 << 20,
		AllowedTypes:      []string{"txt", "md", "png", "jpg", "jpeg", "pdf", "zip"},
		FileNameMaxLength: 200,
		OnDuplicate:       "use_existing",
		PDFOCRMinChars:    80,
	}
	fs := files.NewService(st, objects, vectors, nil, nil, uploadCfg)
	var ex *extract.Extractor
	if ocrText != "" {
		ex = extract.New(&fakeOCR{text: ocrText}, 80)
	} else {
		ex = extract.New(nil, 80)
	}
	chunking := config.ChunkingConfig{Size: 50, Overlap: 10, MaxExpandRatio: 1.3}
	return &env{
		store:    st,
		objects:  objects,
		vectors:  vectors,
		files:    fs,
		pipeline: New(st, fs, ex, emb, vectors, nil, chunking, 32),
	}
}

func (e *env) createKB(t *testing.T) store.KnowledgeBase {
	t.Helper()
	kb := store.KnowledgeBase{UserID: 1, Name: "kb", HybridSearch: true, Rerank: true}
	if err := e.store.CreateKB(context.Background(), &kb); err != nil {
		t.Fatalf("create kb: %v", err)
	}
	return kb
}

func (e *env) uploadText(t *testing.T, name, content string) store.File {
	t.Helper()
	f, err := e.files.Upload(context.Background(), 1, name, []byte(content), "text/plain", "")
	if err != nil {
		t.Fatalf("upload %s: %v", name, err)
	}
	return f
}

func countVectors(t *testing.T, vs vectorstore.Store, chunks []store.Chunk) int {
	t.Helper()
	found := 0
	for _, c := range chunks {
		res, err := vs.Search(context.Background(), make([]float32, 32), 1000, nil)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		for _, r := range res {
			if r.ID == vectorstore.VectorID(c.ID) {
				found++
				break
			}
		}
	}
	return found
}

func TestAddFiles_ChunksVectorsAndCounters(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "")
	kb := e.createKB(t)
	f := e.uploadText(t, "doc.txt", "第一句话。第二句话。第三句话。第四句话。第五句话。第六句话很长，带有更多内容在里面。")

	got, skipped, err := e.pipeline.AddFiles(ctx, kb.ID, []int64{f.ID}, 1)
	if err != nil {
		t.Fatalf("add files: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("unexpected skips: %+v", skipped)
	}
	if got.FileCount != 1 {
		t.Fatalf("file count = %d", got.FileCount)
	}
	chunks, _ := e.store.ListChunksByKBFile(ctx, kb.ID, f.ID)
	if len(chunks) == 0 {
		t.Fatalf("no chunks created")
	}
	if got.ChunkCount != len(chunks) {
		t.Fatalf("kb chunk count %d != %d", got.ChunkCount, len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Fatalf("chunk indices not dense: %d at %d", c.ChunkIndex, i)
		}
		if c.VectorID != vectorstore.VectorID(c.ID) {
			t.Fatalf("vector id not deterministic for chunk %d", c.ID)
		}
	}
	if n := countVectors(t, e.vectors, chunks); n != len(chunks) {
		t.Fatalf("expected %d vectors, found %d", len(chunks), n)
	}
	fileRow, _ := e.store.GetFile(ctx, f.ID, 1)
	if fileRow.ChunkCount != len(chunks) {
		t.Fatalf("file chunk count %d != %d", fileRow.ChunkCount, len(chunks))
	}
}

func TestAddFiles_AlreadyLinkedSkips(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "")
	kb := e.createKB(t)
	f := e.uploadText(t, "doc.txt", "内容句子。另一句。")

	if _, _, err := e.pipeline.AddFiles(ctx, kb.ID, []int64{f.ID}, 1); err != nil {
		t.Fatalf("first add: %v", err)
	}
	_, skipped, err := e.pipeline.AddFiles(ctx, kb.ID, []int64{f.ID}, 1)
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if len(skipped) != 1 || skipped[0].Reason != "已在知识库中" {
		t.Fatalf("expected already-linked skip, got %+v", skipped)
	}
}

func TestAddFiles_EmptyTextSkipsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "")
	kb := e.createKB(t)
	// A png without an OCR client extracts to empty text.
	f, err := e.files.Upload(ctx, 1, "img.png", []byte{0x89, 0x50, 0x4E, 0x47, 1, 2, 3}, "image/png", "")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	got, skipped, err := e.pipeline.AddFiles(ctx, kb.ID, []int64{f.ID}, 1)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(skipped) != 1 {
		t.Fatalf("expected one skip, got %+v", skipped)
	}
	if ok, _ := e.store.HasKBFile(ctx, kb.ID, f.ID); ok {
		t.Fatalf("link survived skip rollback")
	}
	if got.FileCount != 0 || got.ChunkCount != 0 {
		t.Fatalf("counters moved on skip: %+v", got)
	}
}

func TestImageIngestion_ExtraImageChunk(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "一只橘猫趴在窗台上晒太阳，旁边有一盆绿植。")
	kb := e.createKB(t)
	f, err := e.files.Upload(ctx, 1, "cat.png", []byte{0x89, 0x50, 0x4E, 0x47, 9, 9, 9}, "image/png", "")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	_, skipped, err := e.pipeline.AddFiles(ctx, kb.ID, []int64{f.ID}, 1)
	if err != nil || len(skipped) != 0 {
		t.Fatalf("add: %v %+v", err, skipped)
	}
	chunks, _ := e.store.ListChunksByKBFile(ctx, kb.ID, f.ID)
	if len(chunks) < 2 {
		t.Fatalf("expected text + image chunks, got %d", len(chunks))
	}
	imageChunks := 0
	for _, c := range chunks {
		if c.EmbeddingSource == store.SourceImage {
			imageChunks++
			if c.Content == "" {
				t.Fatalf("image chunk has no content")
			}
		}
	}
	if imageChunks != 1 {
		t.Fatalf("expected exactly one image-source chunk, got %d", imageChunks)
	}
}

func TestRemoveFile_RestoresCountsAndDeletesVectors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "")
	kb := e.createKB(t)
	f := e.uploadText(t, "doc.txt", "第一句话。第二句话。第三句话。")

	if _, _, err := e.pipeline.AddFiles(ctx, kb.ID, []int64{f.ID}, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	chunks, _ := e.store.ListChunksByKBFile(ctx, kb.ID, f.ID)
	if len(chunks) == 0 {
		t.Fatalf("no chunks after add")
	}

	if err := e.pipeline.RemoveFile(ctx, kb.ID, f.ID, 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ := e.store.GetKB(ctx, kb.ID, 1)
	if got.FileCount != 0 || got.ChunkCount != 0 {
		t.Fatalf("counters not restored: %+v", got)
	}
	fileRow, _ := e.store.GetFile(ctx, f.ID, 1)
	if fileRow.ChunkCount != 0 {
		t.Fatalf("file chunk count not restored: %d", fileRow.ChunkCount)
	}
	if n := countVectors(t, e.vectors, chunks); n != 0 {
		t.Fatalf("%d vectors survived removal", n)
	}
}

func TestReindexFile_PreservesCounts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "")
	kb := e.createKB(t)
	f := e.uploadText(t, "doc.txt", "第一句话。第二句话。第三句话。第四句话。")

	first, _, err := e.pipeline.AddFiles(ctx, kb.ID, []int64{f.ID}, 1)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	reindexed, err := e.pipeline.ReindexFile(ctx, kb.ID, f.ID, 1)
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if reindexed.FileCount != first.FileCount {
		t.Fatalf("file count changed: %d -> %d", first.FileCount, reindexed.FileCount)
	}
	if reindexed.ChunkCount != first.ChunkCount {
		t.Fatalf("chunk count changed: %d -> %d", first.ChunkCount, reindexed.ChunkCount)
	}
}

func TestAddFilesStream_EventOrder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "")
	kb := e.createKB(t)
	good := e.uploadText(t, "good.txt", "一句完整的话。另一句完整的话。")

	var types []string
	var doneEvent Event
	for ev := range e.pipeline.AddFilesStream(ctx, kb.ID, []int64{good.ID, 424242}, 1) {
		types = append(types, ev.Type)
		if ev.Type == "done" {
			doneEvent = ev
		}
	}
	want := []string{"file_start", "file_done", "file_skip", "done"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("event order %v, want %v", types, want)
	}
	if doneEvent.Stats == nil || doneEvent.Stats.FileCount != 1 {
		t.Fatalf("done stats wrong: %+v", doneEvent.Stats)
	}
	if len(doneEvent.Skipped) != 1 {
		t.Fatalf("expected one skipped entry in done event")
	}
}

func TestReindexAll_CountsSuccesses(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "")
	kb := e.createKB(t)
	f1 := e.uploadText(t, "a.txt", "文件一的内容。更多内容。")
	f2 := e.uploadText(t, "b.txt", "文件二的内容。更多内容。")
	if _, _, err := e.pipeline.AddFiles(ctx, kb.ID, []int64{f1.ID, f2.ID}, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, n, err := e.pipeline.ReindexAll(ctx, kb.ID, 1)
	if err != nil {
		t.Fatalf("reindex all: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reindexed, got %d", n)
	}
	if got.FileCount != 2 {
		t.Fatalf("file count after reindex all: %d", got.FileCount)
	}
}
