package files

import (
	"context"
	"errors"
	"strings"
	"testing"

	"lorebase/internal/config"
	"lorebase/internal/objectstore"
	"lorebase/internal/store"
	"lorebase/internal/vectorstore"
)

func uploadConfig() config.UploadConfig {
	return config.UploadConfig{
		MaxFileSize:         1 << 20,
		AllowedTypes:        []string{"txt", "pdf", "png", "md"},
		ForbiddenExtensions: []string{"exe", "sh"},
		FileNameMaxLength:   200,
		OnDuplicate:         "use_existing",
		PDFOCRMinChars:      80,
	}
}

func newService(t *testing.T) (*Service, store.Store, *objectstore.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	objects := objectstore.NewMemory()
	return NewService(st, objects, vectorstore.NewMemory(), nil, nil, uploadConfig()), st, objects
}

func TestUpload_StoresAndDedupes(t *testing.T) {
	ctx := context.Background()
	svc, _, objects := newService(t)

	f1, err := svc.Upload(ctx, 1, "notes.txt", []byte("hello"), "text/plain", "")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if f1.Status != store.FileCompleted || f1.ContentHash == "" {
		t.Fatalf("unexpected file row: %+v", f1)
	}
	if ok, _ := objects.Exists(ctx, f1.StoragePath); !ok {
		t.Fatalf("bytes not stored at %s", f1.StoragePath)
	}

	// Same bytes, use_existing: same file id.
	f2, err := svc.Upload(ctx, 1, "renamed.txt", []byte("hello"), "text/plain", "use_existing")
	if err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	if f2.ID != f1.ID {
		t.Fatalf("dedup failed: %d vs %d", f1.ID, f2.ID)
	}
}

func TestUpload_OverwriteResetsChunks(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newService(t)

	f, err := svc.Upload(ctx, 1, "doc.txt", []byte("same-bytes"), "", "")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	kb := &store.KnowledgeBase{UserID: 1, Name: "kb"}
	_ = st.CreateKB(ctx, kb)
	_, _ = st.CreateKBFile(ctx, kb.ID, f.ID)
	_ = st.CreateChunks(ctx, []*store.Chunk{{FileID: f.ID, KnowledgeBaseID: kb.ID, Content: "c", ChunkIndex: 0}})
	f.ChunkCount = 1
	_ = st.UpdateFile(ctx, &f)

	got, err := svc.Upload(ctx, 1, "doc.txt", []byte("same-bytes"), "", "overwrite")
	if err != nil {
		t.Fatalf("overwrite upload: %v", err)
	}
	if got.ID != f.ID {
		t.Fatalf("overwrite must keep the file id")
	}
	if got.ChunkCount != 0 {
		t.Fatalf("chunk_count not reset: %d", got.ChunkCount)
	}
	chunks, _ := st.ListChunksByFile(ctx, f.ID)
	if len(chunks) != 0 {
		t.Fatalf("chunks survived overwrite")
	}
	if ok, _ := st.HasKBFile(ctx, kb.ID, f.ID); ok {
		t.Fatalf("kb link survived overwrite")
	}
}

func TestUpload_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	cases := []struct {
		name     string
		filename string
		content  []byte
	}{
		{"forbidden extension", "malware.exe", []byte("x")},
		{"disallowed type", "data.csv", []byte("x")},
		{"path separator", "../etc/passwd.txt", []byte("x")},
		{"magic mismatch", "fake.pdf", []byte("plain text, not a pdf")},
		{"magic mismatch png", "fake.png", []byte("also not an image")},
	}
	for _, tc := range cases {
		_, err := svc.Upload(ctx, 1, tc.filename, tc.content, "", "")
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}

	long := strings.Repeat("x", 300) + ".txt"
	if _, err := svc.Upload(ctx, 1, long, []byte("x"), "", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("long filename accepted")
	}
}

func TestUpload_SizeCap(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	big := make([]byte, (1<<20)+1)
	if _, err := svc.Upload(ctx, 1, "big.txt", big, "", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("oversize upload accepted")
	}
}

func TestDelete_Cascades(t *testing.T) {
	ctx := context.Background()
	svc, st, objects := newService(t)

	f, _ := svc.Upload(ctx, 1, "doc.txt", []byte("content here"), "", "")
	kb := &store.KnowledgeBase{UserID: 1, Name: "kb"}
	_ = st.CreateKB(ctx, kb)
	_, _ = st.CreateKBFile(ctx, kb.ID, f.ID)
	_ = st.CreateChunks(ctx, []*store.Chunk{{FileID: f.ID, KnowledgeBaseID: kb.ID, Content: "c", ChunkIndex: 0}})

	if err := svc.Delete(ctx, f.ID, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetFile(ctx, f.ID, 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("file row survived delete")
	}
	chunks, _ := st.ListChunksByFile(ctx, f.ID)
	if len(chunks) != 0 {
		t.Fatalf("chunks survived delete")
	}
	if ok, _ := objects.Exists(ctx, f.StoragePath); ok {
		t.Fatalf("object survived delete")
	}
}

func TestContent_ReasonsForMissingData(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newService(t)

	if _, reason, err := svc.Content(ctx, 999, 1); err == nil || reason == "" {
		t.Fatalf("expected reason for missing file")
	}

	// Row exists but the object is gone.
	f := store.File{UserID: 1, Filename: "x.txt", OriginalFilename: "x.txt", FileType: "txt", StoragePath: "1/h/x.txt", ContentHash: "h", Status: store.FileCompleted}
	_ = st.CreateFile(ctx, &f)
	_, reason, err := svc.Content(ctx, f.ID, 1)
	if err == nil || !strings.Contains(reason, "对象存储") {
		t.Fatalf("expected object-store reason, got %q err %v", reason, err)
	}
}
