// Package files manages uploads: validation, content-hash dedup, object
// storage, and the cascading cleanup that keeps chunks and vectors in
// step with file rows.
package files

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"lorebase/internal/cache"
	"lorebase/internal/config"
	"lorebase/internal/objectstore"
	"lorebase/internal/ratelimit"
	"lorebase/internal/store"
	"lorebase/internal/vectorstore"
)

// Error kinds surfaced to the transport layer.
var (
	ErrValidation  = errors.New("validation failed")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Service owns file lifecycle operations.
type Service struct {
	store   store.Store
	objects objectstore.ObjectStore
	vectors vectorstore.Store
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	cfg     config.UploadConfig
}

// NewService wires the file service. cache and limiter may be nil.
func NewService(st store.Store, objects objectstore.ObjectStore, vectors vectorstore.Store, c *cache.Cache, l *ratelimit.Limiter, cfg config.UploadConfig) *Service {
	return &Service{store: st, objects: objects, vectors: vectors, cache: c, limiter: l, cfg: cfg}
}

// Upload stores content under a content-addressed key and returns the
// file row. Identical bytes re-uploaded by the same user follow the
// dedup policy: use_existing returns the prior row untouched; overwrite
// replaces the bytes and resets the chunk state.
func (s *Service) Upload(ctx context.Context, userID int64, filename string, content []byte, contentType, onDuplicate string) (store.File, error) {
	if s.limiter != nil {
		if ok, n, limit := s.limiter.AllowUpload(ctx, userID); !ok {
			return store.File{}, fmt.Errorf("%w: %d of %d daily uploads used", ErrRateLimited, n, limit)
		}
	}
	if int64(len(content)) > s.cfg.MaxFileSize {
		return store.File{}, fmt.Errorf("%w: file exceeds %d bytes", ErrValidation, s.cfg.MaxFileSize)
	}
	if err := validateFilename(filename, s.cfg); err != nil {
		return store.File{}, err
	}
	fileType := extensionOf(filename)
	if !s.typeAllowed(fileType) {
		return store.File{}, fmt.Errorf("%w: unsupported file type %q", ErrValidation, fileType)
	}
	if err := validateContent(content, fileType); err != nil {
		return store.File{}, err
	}

	hash := contentHash(content)
	policy := onDuplicate
	if policy != "use_existing" && policy != "overwrite" {
		policy = s.cfg.OnDuplicate
	}

	existing, found, err := s.store.GetFileByHash(ctx, userID, hash)
	if err != nil {
		return store.File{}, err
	}
	if found {
		if policy == "overwrite" {
			if err := s.overwrite(ctx, &existing, filename, fileType, content, contentType); err != nil {
				return store.File{}, err
			}
		}
		return existing, nil
	}

	key := objectstore.Key(userID, hash, filename)
	if err := s.objects.Put(ctx, key, bytes.NewReader(content), contentType); err != nil {
		return store.File{}, fmt.Errorf("store file bytes: %w", err)
	}
	f := store.File{
		UserID:           userID,
		Filename:         filename,
		OriginalFilename: filename,
		FileType:         fileType,
		FileSize:         int64(len(content)),
		StoragePath:      key,
		ContentHash:      hash,
		Status:           store.FileCompleted,
	}
	if err := s.store.CreateFile(ctx, &f); err != nil {
		return store.File{}, err
	}
	if s.cache != nil {
		s.cache.InvalidateFiles(ctx, userID)
	}
	return f, nil
}

// overwrite replaces an existing file's bytes, deleting its chunks, KB
// links, and vectors, and resetting chunk_count to zero.
func (s *Service) overwrite(ctx context.Context, f *store.File, filename, fileType string, content []byte, contentType string) error {
	chunks, err := s.store.ListChunksByFile(ctx, f.ID)
	if err != nil {
		return err
	}
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.DeleteChunksByFile(ctx, f.ID); err != nil {
			return err
		}
		if err := tx.DeleteKBFilesByFile(ctx, f.ID); err != nil {
			return err
		}
		f.Filename = filename
		f.OriginalFilename = filename
		f.FileType = fileType
		f.FileSize = int64(len(content))
		f.ChunkCount = 0
		f.Status = store.FileCompleted
		return tx.UpdateFile(ctx, f)
	})
	if err != nil {
		return err
	}
	if len(chunks) > 0 && s.vectors != nil {
		ids := make([]int64, len(chunks))
		for i, c := range chunks {
			ids[i] = vectorstore.VectorID(c.ID)
		}
		if err := s.vectors.Delete(ctx, ids); err != nil {
			log.Warn().Err(err).Int("count", len(ids)).Msg("vector cleanup after overwrite failed")
		}
	}
	if err := s.objects.Put(ctx, f.StoragePath, bytes.NewReader(content), contentType); err != nil {
		return fmt.Errorf("overwrite file bytes: %w", err)
	}
	if s.cache != nil {
		s.cache.InvalidateFiles(ctx, f.UserID)
	}
	return nil
}

// Delete removes the file and everything hanging off it: chunks, KB
// links, vectors, and the stored object.
func (s *Service) Delete(ctx context.Context, fileID, userID int64) error {
	f, err := s.store.GetFile(ctx, fileID, userID)
	if err != nil {
		return err
	}
	chunks, err := s.store.ListChunksByFile(ctx, fileID)
	if err != nil {
		return err
	}
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.DeleteChunksByFile(ctx, fileID); err != nil {
			return err
		}
		if err := tx.DeleteKBFilesByFile(ctx, fileID); err != nil {
			return err
		}
		return tx.DeleteFile(ctx, fileID)
	})
	if err != nil {
		return err
	}
	if len(chunks) > 0 && s.vectors != nil {
		ids := make([]int64, len(chunks))
		for i, c := range chunks {
			ids[i] = vectorstore.VectorID(c.ID)
		}
		if err := s.vectors.Delete(ctx, ids); err != nil {
			log.Warn().Err(err).Msg("vector cleanup after file delete failed")
		}
	}
	if err := s.objects.Delete(ctx, f.StoragePath); err != nil {
		log.Warn().Err(err).Str("key", f.StoragePath).Msg("object delete failed")
	}
	if s.cache != nil {
		s.cache.InvalidateFiles(ctx, userID)
	}
	return nil
}

// Content fetches the raw bytes of a file. The string result is a
// user-presentable reason when content is unavailable.
func (s *Service) Content(ctx context.Context, fileID, userID int64) ([]byte, string, error) {
	f, err := s.store.GetFile(ctx, fileID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "文件不存在或无权访问", err
		}
		return nil, "读取文件记录失败", err
	}
	rc, err := s.objects.Get(ctx, f.StoragePath)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, "对象存储中不存在该文件，请重新上传后再添加到知识库", err
		}
		return nil, fmt.Sprintf("读取失败: %v", err), err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Sprintf("读取失败: %v", err), err
	}
	if len(data) == 0 {
		return nil, "对象存储中文件为空", fmt.Errorf("object %s is empty", f.StoragePath)
	}
	return data, "", nil
}

// Get returns one file row.
func (s *Service) Get(ctx context.Context, fileID, userID int64) (store.File, error) {
	return s.store.GetFile(ctx, fileID, userID)
}

// List returns a page of the user's files, newest first, through the
// short-TTL cache.
func (s *Service) List(ctx context.Context, userID int64, page, pageSize int) ([]store.File, int, error) {
	type cached struct {
		Files []store.File `json:"files"`
		Total int          `json:"total"`
	}
	key := cache.KeyFileList(userID, page, pageSize)
	if s.cache != nil {
		var c cached
		if s.cache.Get(ctx, key, &c) {
			return c.Files, c.Total, nil
		}
	}
	files, total, err := s.store.ListFiles(ctx, userID, page, pageSize)
	if err != nil {
		return nil, 0, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, key, cached{Files: files, Total: total}, s.cache.TTLList())
	}
	return files, total, nil
}

func (s *Service) typeAllowed(fileType string) bool {
	for _, t := range s.cfg.AllowedTypes {
		if t == fileType {
			return true
		}
	}
	return false
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
