package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"

	"lorebase/internal/config"
)

// qdrantStore adapts a Qdrant-compatible service. The Go client speaks
// Qdrant's gRPC API (port 6334 by default).
type qdrantStore struct {
	client     *qdrant.Client
	collection string

	mu      sync.Mutex
	ensured bool
}

// numericID wraps the deterministic vector id as a Qdrant point id.
func numericID(id int64) *qdrant.PointId {
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Num{Num: uint64(id)}}
}

// NewQdrant builds a Store backed by Qdrant. The URL may carry an api_key
// query parameter; https enables TLS.
func NewQdrant(cfg config.VectorConfig) (Store, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	parsed, err := url.Parse(cfg.QdrantURL)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant URL: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port in qdrant URL: %w", err)
		}
	}
	qcfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		qcfg.UseTLS = true
	}
	if key := cfg.QdrantAPIKey; key != "" {
		qcfg.APIKey = key
	} else if key := parsed.Query().Get("api_key"); key != "" {
		qcfg.APIKey = key
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &qdrantStore{client: client, collection: cfg.Collection}, nil
}

func (q *qdrantStore) EnsureCollection(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("qdrant requires dimension > 0")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ensured {
		return nil
	}
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if !exists {
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
		log.Info().Str("collection", q.collection).Int("dim", dim).Msg("qdrant collection created")
	}
	q.ensured = true
	return nil
}

func (q *qdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qpoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		payload := qdrant.NewValueMap(map[string]any{
			"chunk_id":          p.Payload.ChunkID,
			"content":           TruncatePayloadContent(p.Payload.Content),
			"file_id":           p.Payload.FileID,
			"knowledge_base_id": p.Payload.KnowledgeBaseID,
			"chunk_index":       int64(p.Payload.ChunkIndex),
			"embedding_source":  p.Payload.EmbeddingSource,
		})
		qpoints = append(qpoints, &qdrant.PointStruct{
			Id:      numericID(p.ID),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: payload,
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         qpoints,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (q *qdrantStore) Search(ctx context.Context, vector []float32, k int, filter *Filter) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return nil, fmt.Errorf("qdrant collection check: %w", err)
	}
	if !exists {
		return nil, nil
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	var queryFilter *qdrant.Filter
	if filter != nil {
		var must []*qdrant.Condition
		if filter.KnowledgeBaseID != nil {
			must = append(must, qdrant.NewMatchInt("knowledge_base_id", *filter.KnowledgeBaseID))
		}
		if filter.FileID != nil {
			must = append(must, qdrant.NewMatchInt("file_id", *filter.FileID))
		}
		if len(must) > 0 {
			queryFilter = &qdrant.Filter{Must: must}
		}
	}
	limit := uint64(k)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         queryFilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		r := Result{
			ID: int64(hit.Id.GetNum()),
			// Qdrant reports cosine similarity; convert to distance.
			Distance: 1 - float64(hit.Score),
		}
		if hit.Payload != nil {
			r.Payload = payloadFromQdrant(hit.Payload)
		}
		results = append(results, r)
	}
	return results, nil
}

func payloadFromQdrant(fields map[string]*qdrant.Value) Payload {
	var p Payload
	if v, ok := fields["chunk_id"]; ok {
		p.ChunkID = v.GetIntegerValue()
	}
	if v, ok := fields["content"]; ok {
		p.Content = v.GetStringValue()
	}
	if v, ok := fields["file_id"]; ok {
		p.FileID = v.GetIntegerValue()
	}
	if v, ok := fields["knowledge_base_id"]; ok {
		p.KnowledgeBaseID = v.GetIntegerValue()
	}
	if v, ok := fields["chunk_index"]; ok {
		p.ChunkIndex = int(v.GetIntegerValue())
	}
	if v, ok := fields["embedding_source"]; ok {
		p.EmbeddingSource = v.GetStringValue()
	}
	return p
}

func (q *qdrantStore) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, numericID(id))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete: %w", err)
	}
	return nil
}

func (q *qdrantStore) Close() error {
	return q.client.Close()
}
