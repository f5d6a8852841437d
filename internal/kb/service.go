// Package kb manages knowledge-base lifecycle: CRUD, listings, and the
// cascading cleanup that removes chunks and vectors when a KB goes away.
package kb

import (
	"context"

	"github.com/rs/zerolog/log"

	"lorebase/internal/cache"
	"lorebase/internal/store"
	"lorebase/internal/vectorstore"
)

// Service owns KB operations.
type Service struct {
	store   store.Store
	vectors vectorstore.Store
	cache   *cache.Cache
}

// NewService wires the KB service. cache may be nil.
func NewService(st store.Store, vs vectorstore.Store, c *cache.Cache) *Service {
	return &Service{store: st, vectors: vs, cache: c}
}

// CreateParams are the caller-settable KB fields.
type CreateParams struct {
	Name                string
	Description         string
	ChunkSize           *int
	ChunkOverlap        *int
	ChunkMaxExpandRatio *float64
	HybridSearch        *bool
	Rerank              *bool
}

// Create makes a new KB. Hybrid search and rerank default to on.
func (s *Service) Create(ctx context.Context, userID int64, p CreateParams) (store.KnowledgeBase, error) {
	kb := store.KnowledgeBase{
		UserID:              userID,
		Name:                p.Name,
		Description:         p.Description,
		ChunkSize:           p.ChunkSize,
		ChunkOverlap:        p.ChunkOverlap,
		ChunkMaxExpandRatio: p.ChunkMaxExpandRatio,
		HybridSearch:        true,
		Rerank:              true,
	}
	if p.HybridSearch != nil {
		kb.HybridSearch = *p.HybridSearch
	}
	if p.Rerank != nil {
		kb.Rerank = *p.Rerank
	}
	if err := s.store.CreateKB(ctx, &kb); err != nil {
		return store.KnowledgeBase{}, err
	}
	if s.cache != nil {
		s.cache.InvalidateKB(ctx, userID, kb.ID)
	}
	return kb, nil
}

// Get returns one KB through the detail cache.
func (s *Service) Get(ctx context.Context, kbID, userID int64) (store.KnowledgeBase, error) {
	key := cache.KeyKBDetail(kbID)
	if s.cache != nil {
		var kb store.KnowledgeBase
		if s.cache.Get(ctx, key, &kb) && kb.UserID == userID {
			return kb, nil
		}
	}
	kb, err := s.store.GetKB(ctx, kbID, userID)
	if err != nil {
		return store.KnowledgeBase{}, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, key, kb, s.cache.TTLDetail())
	}
	return kb, nil
}

// Update applies the caller-settable fields.
func (s *Service) Update(ctx context.Context, kbID, userID int64, p CreateParams) (store.KnowledgeBase, error) {
	kb, err := s.store.GetKB(ctx, kbID, userID)
	if err != nil {
		return store.KnowledgeBase{}, err
	}
	kb.Name = p.Name
	kb.Description = p.Description
	kb.ChunkSize = p.ChunkSize
	kb.ChunkOverlap = p.ChunkOverlap
	kb.ChunkMaxExpandRatio = p.ChunkMaxExpandRatio
	if p.HybridSearch != nil {
		kb.HybridSearch = *p.HybridSearch
	}
	if p.Rerank != nil {
		kb.Rerank = *p.Rerank
	}
	if err := s.store.UpdateKB(ctx, &kb); err != nil {
		return store.KnowledgeBase{}, err
	}
	if s.cache != nil {
		s.cache.InvalidateKB(ctx, userID, kbID)
	}
	return kb, nil
}

// Delete removes the KB and everything inside it. Vector deletion is
// best-effort: the deterministic ids make a later repair possible, and
// rows gone from the store mean the vectors can never be surfaced.
func (s *Service) Delete(ctx context.Context, kbID, userID int64) error {
	if _, err := s.store.GetKB(ctx, kbID, userID); err != nil {
		return err
	}
	chunks, err := s.store.ListChunksByKB(ctx, kbID)
	if err != nil {
		return err
	}
	if len(chunks) > 0 && s.vectors != nil {
		ids := make([]int64, len(chunks))
		for i, c := range chunks {
			ids[i] = vectorstore.VectorID(c.ID)
		}
		if err := s.vectors.Delete(ctx, ids); err != nil {
			log.Warn().Err(err).Int64("kb", kbID).Int("count", len(ids)).Msg("vector cleanup failed, continuing with row cleanup")
		}
	}
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.DeleteChunksByKB(ctx, kbID); err != nil {
			return err
		}
		fileIDs, err := tx.ListKBFileIDs(ctx, kbID)
		if err != nil {
			return err
		}
		for _, fid := range fileIDs {
			if err := tx.DeleteKBFile(ctx, kbID, fid); err != nil {
				return err
			}
		}
		return tx.DeleteKB(ctx, kbID)
	})
	if err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.InvalidateKB(ctx, userID, kbID)
	}
	return nil
}

// List returns a page of the user's KBs through the list cache.
func (s *Service) List(ctx context.Context, userID int64, page, pageSize int) ([]store.KnowledgeBase, int, error) {
	type cached struct {
		KBs   []store.KnowledgeBase `json:"knowledge_bases"`
		Total int                   `json:"total"`
	}
	key := cache.KeyKBList(userID, page, pageSize)
	if s.cache != nil {
		var c cached
		if s.cache.Get(ctx, key, &c) {
			return c.KBs, c.Total, nil
		}
	}
	kbs, total, err := s.store.ListKBs(ctx, userID, page, pageSize)
	if err != nil {
		return nil, 0, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, key, cached{KBs: kbs, Total: total}, s.cache.TTLList())
	}
	return kbs, total, nil
}

// FileItem is one file inside a KB with its per-KB chunk count.
type FileItem struct {
	FileID           int64  `json:"file_id"`
	OriginalFilename string `json:"original_filename"`
	FileType         string `json:"file_type"`
	FileSize         int64  `json:"file_size"`
	ChunkCountInKB   int    `json:"chunk_count_in_kb"`
}

// Files lists the files linked into a KB with their chunk counts.
func (s *Service) Files(ctx context.Context, kbID, userID int64) ([]FileItem, error) {
	if _, err := s.store.GetKB(ctx, kbID, userID); err != nil {
		return nil, err
	}
	fileIDs, err := s.store.ListKBFileIDs(ctx, kbID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.GetFilesByIDs(ctx, fileIDs)
	if err != nil {
		return nil, err
	}
	var out []FileItem
	for _, fid := range fileIDs {
		f, ok := rows[fid]
		if !ok || f.UserID != userID {
			continue
		}
		chunks, err := s.store.ListChunksByKBFile(ctx, kbID, fid)
		if err != nil {
			return nil, err
		}
		out = append(out, FileItem{
			FileID:           f.ID,
			OriginalFilename: f.OriginalFilename,
			FileType:         f.FileType,
			FileSize:         f.FileSize,
			ChunkCountInKB:   len(chunks),
		})
	}
	return out, nil
}

// Chunks lists one file's chunks inside a KB, ordered by chunk index.
func (s *Service) Chunks(ctx context.Context, kbID, fileID, userID int64) ([]store.Chunk, error) {
	if _, err := s.store.GetKB(ctx, kbID, userID); err != nil {
		return nil, err
	}
	linked, err := s.store.HasKBFile(ctx, kbID, fileID)
	if err != nil {
		return nil, err
	}
	if !linked {
		return nil, store.ErrNotFound
	}
	if _, err := s.store.GetFile(ctx, fileID, userID); err != nil {
		return nil, err
	}
	return s.store.ListChunksByKBFile(ctx, kbID, fileID)
}
