package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	client "github.com/milvus-io/milvus/client/v2/milvusclient"
	"github.com/rs/zerolog/log"

	"lorebase/internal/config"
)

const (
	milvusFieldID         = "id"
	milvusFieldVector     = "vector"
	milvusFieldChunkID    = "chunk_id"
	milvusFieldContent    = "content"
	milvusFieldFileID     = "file_id"
	milvusFieldKBID       = "knowledge_base_id"
	milvusFieldChunkIndex = "chunk_index"
	milvusFieldEmbSource  = "embedding_source"
)

var milvusOutputFields = []string{
	milvusFieldChunkID,
	milvusFieldContent,
	milvusFieldFileID,
	milvusFieldKBID,
	milvusFieldChunkIndex,
	milvusFieldEmbSource,
}

// milvusStore adapts a Milvus-compatible cloud service (e.g. Zilliz).
type milvusStore struct {
	client     *client.Client
	collection string

	mu      sync.Mutex
	ensured bool
}

// NewMilvus builds a Store backed by Milvus over gRPC.
func NewMilvus(ctx context.Context, cfg config.VectorConfig) (Store, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if cfg.MilvusURI == "" {
		return nil, fmt.Errorf("milvus URI is required")
	}
	c, err := client.New(ctx, &client.ClientConfig{
		Address: cfg.MilvusURI,
		APIKey:  cfg.MilvusToken,
	})
	if err != nil {
		return nil, fmt.Errorf("create milvus client: %w", err)
	}
	return &milvusStore{client: c, collection: cfg.Collection}, nil
}

func (m *milvusStore) EnsureCollection(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("milvus requires dimension > 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ensured {
		return nil
	}
	exists, err := m.client.HasCollection(ctx, client.NewHasCollectionOption(m.collection))
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if !exists {
		if err := m.createCollection(ctx, dim); err != nil {
			return err
		}
		log.Info().Str("collection", m.collection).Int("dim", dim).Msg("milvus collection created")
	}
	loadTask, err := m.client.LoadCollection(ctx, client.NewLoadCollectionOption(m.collection))
	if err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	if err := loadTask.Await(ctx); err != nil {
		return fmt.Errorf("await collection load: %w", err)
	}
	m.ensured = true
	return nil
}

func (m *milvusStore) createCollection(ctx context.Context, dim int) error {
	schema := &entity.Schema{
		CollectionName: m.collection,
		AutoID:         false,
		Fields: []*entity.Field{
			entity.NewField().
				WithName(milvusFieldID).
				WithDataType(entity.FieldTypeInt64).
				WithIsPrimaryKey(true),
			entity.NewField().
				WithName(milvusFieldVector).
				WithDataType(entity.FieldTypeFloatVector).
				WithDim(int64(dim)),
			entity.NewField().
				WithName(milvusFieldChunkID).
				WithDataType(entity.FieldTypeInt64),
			entity.NewField().
				WithName(milvusFieldContent).
				WithDataType(entity.FieldTypeVarChar).
				WithMaxLength(2048),
			entity.NewField().
				WithName(milvusFieldFileID).
				WithDataType(entity.FieldTypeInt64),
			entity.NewField().
				WithName(milvusFieldKBID).
				WithDataType(entity.FieldTypeInt64),
			entity.NewField().
				WithName(milvusFieldChunkIndex).
				WithDataType(entity.FieldTypeInt64),
			entity.NewField().
				WithName(milvusFieldEmbSource).
				WithDataType(entity.FieldTypeVarChar).
				WithMaxLength(16),
		},
	}
	indexOption := client.NewCreateIndexOption(m.collection, milvusFieldVector,
		index.NewAutoIndex(entity.COSINE))
	err := m.client.CreateCollection(ctx,
		client.NewCreateCollectionOption(m.collection, schema).WithIndexOptions(indexOption))
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

func (m *milvusStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	n := len(points)
	ids := make([]int64, n)
	vectors := make([][]float32, n)
	chunkIDs := make([]int64, n)
	contents := make([]string, n)
	fileIDs := make([]int64, n)
	kbIDs := make([]int64, n)
	chunkIndexes := make([]int64, n)
	sources := make([]string, n)
	dim := 0
	for i, p := range points {
		ids[i] = p.ID
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		vectors[i] = vec
		if len(vec) > dim {
			dim = len(vec)
		}
		chunkIDs[i] = p.Payload.ChunkID
		contents[i] = TruncatePayloadContent(p.Payload.Content)
		fileIDs[i] = p.Payload.FileID
		kbIDs[i] = p.Payload.KnowledgeBaseID
		chunkIndexes[i] = int64(p.Payload.ChunkIndex)
		sources[i] = p.Payload.EmbeddingSource
	}
	opt := client.NewColumnBasedInsertOption(m.collection).
		WithInt64Column(milvusFieldID, ids).
		WithFloatVectorColumn(milvusFieldVector, dim, vectors).
		WithInt64Column(milvusFieldChunkID, chunkIDs).
		WithVarcharColumn(milvusFieldContent, contents).
		WithInt64Column(milvusFieldFileID, fileIDs).
		WithInt64Column(milvusFieldKBID, kbIDs).
		WithInt64Column(milvusFieldChunkIndex, chunkIndexes).
		WithVarcharColumn(milvusFieldEmbSource, sources)
	if _, err := m.client.Upsert(ctx, opt); err != nil {
		return fmt.Errorf("milvus upsert: %w", err)
	}
	return nil
}

// renderFilter builds a Milvus boolean expression of the form
// "knowledge_base_id == 42" from the typed filter.
func renderFilter(filter *Filter) string {
	if filter == nil {
		return ""
	}
	var parts []string
	if filter.KnowledgeBaseID != nil {
		parts = append(parts, fmt.Sprintf("%s == %d", milvusFieldKBID, *filter.KnowledgeBaseID))
	}
	if filter.FileID != nil {
		parts = append(parts, fmt.Sprintf("%s == %d", milvusFieldFileID, *filter.FileID))
	}
	return strings.Join(parts, " && ")
}

func (m *milvusStore) Search(ctx context.Context, vector []float32, k int, filter *Filter) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	exists, err := m.client.HasCollection(ctx, client.NewHasCollectionOption(m.collection))
	if err != nil {
		return nil, fmt.Errorf("milvus collection check: %w", err)
	}
	if !exists {
		return nil, nil
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	opt := client.NewSearchOption(m.collection, k, []entity.Vector{entity.FloatVector(vec)}).
		WithANNSField(milvusFieldVector).
		WithOutputFields(milvusOutputFields...)
	if expr := renderFilter(filter); expr != "" {
		opt.WithFilter(expr)
	}
	resultSets, err := m.client.Search(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}
	var results []Result
	for _, rs := range resultSets {
		for i := 0; i < rs.ResultCount; i++ {
			var id int64
			if rs.IDs != nil {
				id, _ = rs.IDs.GetAsInt64(i)
			}
			r := Result{ID: id}
			if i < len(rs.Scores) {
				// COSINE metric reports similarity; convert to distance.
				r.Distance = 1 - float64(rs.Scores[i])
			}
			r.Payload = milvusPayload(rs, i)
			results = append(results, r)
		}
	}
	return results, nil
}

func milvusPayload(rs client.ResultSet, i int) Payload {
	var p Payload
	if col := rs.GetColumn(milvusFieldChunkID); col != nil {
		p.ChunkID, _ = col.GetAsInt64(i)
	}
	if col := rs.GetColumn(milvusFieldContent); col != nil {
		p.Content, _ = col.GetAsString(i)
	}
	if col := rs.GetColumn(milvusFieldFileID); col != nil {
		p.FileID, _ = col.GetAsInt64(i)
	}
	if col := rs.GetColumn(milvusFieldKBID); col != nil {
		p.KnowledgeBaseID, _ = col.GetAsInt64(i)
	}
	if col := rs.GetColumn(milvusFieldChunkIndex); col != nil {
		idx, _ := col.GetAsInt64(i)
		p.ChunkIndex = int(idx)
	}
	if col := rs.GetColumn(milvusFieldEmbSource); col != nil {
		p.EmbeddingSource, _ = col.GetAsString(i)
	}
	return p
}

func (m *milvusStore) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	exists, err := m.client.HasCollection(ctx, client.NewHasCollectionOption(m.collection))
	if err != nil {
		return fmt.Errorf("milvus collection check: %w", err)
	}
	if !exists {
		return nil
	}
	opt := client.NewDeleteOption(m.collection).WithInt64IDs(milvusFieldID, ids)
	if _, err := m.client.Delete(ctx, opt); err != nil {
		return fmt.Errorf("milvus delete: %w", err)
	}
	return nil
}

func (m *milvusStore) Close() error {
	return m.client.Close(context.Background())
}
