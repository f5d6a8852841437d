package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// memoryStore is an in-process Store used by tests and the memory backend.
type memoryStore struct {
	mu     sync.RWMutex
	dim    int
	points map[int64]Point
}

// NewMemory returns an empty in-memory vector store.
func NewMemory() Store {
	return &memoryStore{points: map[int64]Point{}}
}

func (m *memoryStore) EnsureCollection(_ context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("memory vector store requires dimension > 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dim == 0 {
		m.dim = dim
	}
	return nil
}

func (m *memoryStore) Upsert(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dim == 0 {
		return fmt.Errorf("collection not created")
	}
	for _, p := range points {
		if len(p.Vector) != m.dim {
			return fmt.Errorf("dimension mismatch: collection %d, vector %d", m.dim, len(p.Vector))
		}
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		p.Vector = vec
		p.Payload.Content = TruncatePayloadContent(p.Payload.Content)
		m.points[p.ID] = p
	}
	return nil
}

func (m *memoryStore) Search(_ context.Context, vector []float32, k int, filter *Filter) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dim == 0 {
		// Collection never created: treated as a miss, not an error.
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}
	results := make([]Result, 0, len(m.points))
	for _, p := range m.points {
		if filter != nil {
			if filter.KnowledgeBaseID != nil && p.Payload.KnowledgeBaseID != *filter.KnowledgeBaseID {
				continue
			}
			if filter.FileID != nil && p.Payload.FileID != *filter.FileID {
				continue
			}
		}
		sim := cosineSimilarity(vector, p.Vector)
		results = append(results, Result{ID: p.ID, Distance: 1 - sim, Payload: p.Payload})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance == results[j].Distance {
			return results[i].ID < results[j].ID
		}
		return results[i].Distance < results[j].Distance
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (m *memoryStore) Delete(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *memoryStore) Close() error { return nil }

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
