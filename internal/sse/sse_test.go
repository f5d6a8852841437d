package sse

import (
	"strings"
	"testing"
)

func TestWriteEvent_Framing(t *testing.T) {
	var b strings.Builder
	err := WriteEvent(&b, map[string]any{"type": "token", "content": "hi"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	got := b.String()
	if !strings.HasPrefix(got, "data: {") || !strings.HasSuffix(got, "}\n\n") {
		t.Fatalf("bad frame: %q", got)
	}
	if !strings.Contains(got, `"type":"token"`) {
		t.Fatalf("payload missing: %q", got)
	}
}

func TestWriteDone_Sentinel(t *testing.T) {
	var b strings.Builder
	if err := WriteDone(&b); err != nil {
		t.Fatalf("write done: %v", err)
	}
	if b.String() != "data: [DONE]\n\n" {
		t.Fatalf("bad sentinel: %q", b.String())
	}
}
