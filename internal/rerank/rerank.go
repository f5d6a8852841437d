// Package rerank calls a cross-encoder reranking endpoint to score
// (query, document) pairs.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lorebase/internal/config"
)

// Result is one document's relevance score. Index refers to the position
// in the submitted documents slice.
type Result struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Client scores candidate documents against a query.
type Client interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error)
}

type httpClient struct {
	cfg config.RerankConfig
	hc  *http.Client
}

// NewClient builds the HTTP reranker client.
func NewClient(cfg config.RerankConfig) Client {
	return &httpClient{cfg: cfg, hc: &http.Client{Timeout: 30 * time.Second}}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []Result `json:"results"`
}

func (c *httpClient) Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(documents) {
		topN = len(documents)
	}
	payload, err := json.Marshal(rerankRequest{
		Model:     c.cfg.Model,
		Query:     query,
		TopN:      topN,
		Documents: documents,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("rerank failed with status %d: %s", resp.StatusCode, string(body))
	}
	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	return parsed.Results, nil
}
