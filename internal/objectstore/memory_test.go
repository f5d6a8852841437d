package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestMemory_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := Key(1, "abc123", "report.pdf")
	if key != "1/abc123/report.pdf" {
		t.Fatalf("unexpected key %q", key)
	}

	if err := m.Put(ctx, key, strings.NewReader("file-bytes"), "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, err := m.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "file-bytes" {
		t.Fatalf("got %q", data)
	}

	ok, _ := m.Exists(ctx, key)
	if !ok {
		t.Fatalf("expected exists")
	}
	if err := m.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Deleting again is not an error.
	if err := m.Delete(ctx, key); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestMemory_OverwriteReplacesBytes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Put(ctx, "k", strings.NewReader("old"), "")
	_ = m.Put(ctx, "k", strings.NewReader("new"), "")
	rc, _ := m.Get(ctx, "k")
	data, _ := io.ReadAll(rc)
	if string(data) != "new" {
		t.Fatalf("overwrite failed: %q", data)
	}
}
