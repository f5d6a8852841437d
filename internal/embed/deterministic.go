package embed

import (
	"context"
	"hash/fnv"
	"math"
)

// deterministic is a lightweight embedder for tests. It hashes byte
// 3-grams into a fixed-size L2-normalized vector, so similar strings land
// near each other without any network dependency.
type deterministic struct {
	dim int
}

// NewDeterministic constructs a deterministic embedder with the given
// dimension (default 64).
func NewDeterministic(dim int) Client {
	if dim <= 0 {
		dim = 64
	}
	return &deterministic{dim: dim}
}

func (d *deterministic) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne([]byte(t))
	}
	return out, nil
}

func (d *deterministic) EmbedImage(_ context.Context, data []byte, _ string) ([]float32, error) {
	return d.embedOne(data), nil
}

func (d *deterministic) Dimension(context.Context) (int, error) { return d.dim, nil }

func (d *deterministic) embedOne(b []byte) []float32 {
	v := make([]float32, d.dim)
	if len(b) == 0 {
		return v
	}
	if len(b) < 3 {
		addGram(b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addGram(b[i:i+3], v)
		}
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		inv := float32(1.0 / math.Sqrt(sum))
		for i := range v {
			v[i] *= inv
		}
	}
	return v
}

func addGram(gram []byte, v []float32) {
	h := fnv.New64a()
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
