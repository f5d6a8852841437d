package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lorebase/internal/config"
)

func newEmbedServer(t *testing.T, dim int, maxBatch *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if maxBatch != nil && len(req.Input.Contents) > *maxBatch {
			t.Errorf("batch of %d exceeds cap %d", len(req.Input.Contents), *maxBatch)
		}
		var resp embedResponse
		for _, c := range req.Input.Contents {
			if len(c.Text) > maxTextLen {
				t.Errorf("input longer than %d chars reached provider", maxTextLen)
			}
			vec := make([]float64, dim)
			vec[0] = float64(len(c.Text) + len(c.Image))
			resp.Output.Embeddings = append(resp.Output.Embeddings, struct {
				Embedding []float64 `json:"embedding"`
			}{Embedding: vec})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestEmbedTexts_BatchesAndTruncates(t *testing.T) {
	batchCap := maxBatchSize
	srv := newEmbedServer(t, 8, &batchCap)
	defer srv.Close()

	c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL, Model: "test-embed"}, 8)
	texts := make([]string, 45)
	for i := range texts {
		texts[i] = "hello world"
	}
	texts[0] = strings.Repeat("x", maxTextLen+500)
	vectors, err := c.EmbedTexts(context.Background(), texts)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != 8 {
			t.Fatalf("vector %d has dim %d", i, len(v))
		}
	}
}

func TestDimension_ObservedFromProbe(t *testing.T) {
	srv := newEmbedServer(t, 32, nil)
	defer srv.Close()

	c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL, Model: "test-embed"}, 1536)
	dim, err := c.Dimension(context.Background())
	if err != nil {
		t.Fatalf("dimension: %v", err)
	}
	if dim != 32 {
		t.Fatalf("expected observed dim 32, got %d", dim)
	}
}

func TestEmbedImage_EmptyYieldsZeroVector(t *testing.T) {
	c := NewClient(config.EmbeddingConfig{BaseURL: "http://unused", Model: "m"}, 16)
	vec, err := c.EmbedImage(context.Background(), nil, "png")
	if err != nil {
		t.Fatalf("embed image: %v", err)
	}
	if len(vec) != 16 {
		t.Fatalf("expected default-dim zero vector, got %d", len(vec))
	}
	for _, v := range vec {
		if v != 0 {
			t.Fatalf("expected zero vector")
		}
	}
}

func TestDeterministic_StableAndNormalized(t *testing.T) {
	d := NewDeterministic(64)
	a, _ := d.EmbedTexts(context.Background(), []string{"the quick brown fox"})
	b, _ := d.EmbedTexts(context.Background(), []string{"the quick brown fox"})
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("deterministic embedder diverged at %d", i)
		}
	}
	var sum float64
	for _, v := range a[0] {
		sum += float64(v) * float64(v)
	}
	if sum < 0.99 || sum > 1.01 {
		t.Fatalf("expected unit norm, got %f", sum)
	}
}
