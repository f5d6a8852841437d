package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgxpool.Pool and pgx.Tx used by the store.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresStore struct {
	pool *pgxpool.Pool // nil inside a transaction
	q    querier
}

// NewPostgres connects a pooled store and creates missing tables.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &postgresStore{pool: pool, q: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool. Only the root store owns the pool.
func (s *postgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		filename TEXT NOT NULL,
		original_filename TEXT NOT NULL,
		file_type TEXT NOT NULL,
		file_size BIGINT NOT NULL DEFAULT 0,
		storage_path TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'uploading',
		chunk_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_user_hash ON files (user_id, content_hash)`,
	`CREATE TABLE IF NOT EXISTS knowledge_bases (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		chunk_size INT,
		chunk_overlap INT,
		chunk_max_expand_ratio DOUBLE PRECISION,
		hybrid_search BOOLEAN NOT NULL DEFAULT TRUE,
		rerank BOOLEAN NOT NULL DEFAULT TRUE,
		file_count INT NOT NULL DEFAULT 0,
		chunk_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS knowledge_base_files (
		id BIGSERIAL PRIMARY KEY,
		knowledge_base_id BIGINT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
		file_id BIGINT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (knowledge_base_id, file_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id BIGSERIAL PRIMARY KEY,
		file_id BIGINT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
		knowledge_base_id BIGINT NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		chunk_index INT NOT NULL,
		vector_id BIGINT NOT NULL DEFAULT 0,
		embedding_source TEXT NOT NULL DEFAULT 'text',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_kb_file ON chunks (knowledge_base_id, file_id, chunk_index)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		knowledge_base_id BIGINT,
		title TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations (user_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tokens INT NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		confidence DOUBLE PRECISION,
		retrieved_context TEXT NOT NULL DEFAULT '',
		max_confidence_context TEXT NOT NULL DEFAULT '',
		sources TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at)`,
}

func (s *postgresStore) init(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := s.q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txStore := &postgresStore{q: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ---- files ----

func (s *postgresStore) CreateFile(ctx context.Context, f *File) error {
	row := s.q.QueryRow(ctx, `
		INSERT INTO files (user_id, filename, original_filename, file_type, file_size, storage_path, content_hash, status, chunk_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at, updated_at`,
		f.UserID, f.Filename, f.OriginalFilename, f.FileType, f.FileSize, f.StoragePath, f.ContentHash, f.Status, f.ChunkCount)
	if err := row.Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	return nil
}

func scanFile(row pgx.Row, f *File) error {
	return row.Scan(&f.ID, &f.UserID, &f.Filename, &f.OriginalFilename, &f.FileType, &f.FileSize,
		&f.StoragePath, &f.ContentHash, &f.Status, &f.ChunkCount, &f.CreatedAt, &f.UpdatedAt)
}

const fileColumns = `id, user_id, filename, original_filename, file_type, file_size, storage_path, content_hash, status, chunk_count, created_at, updated_at`

func (s *postgresStore) GetFile(ctx context.Context, id, userID int64) (File, error) {
	var f File
	err := scanFile(s.q.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1 AND user_id = $2`, id, userID), &f)
	if errors.Is(err, pgx.ErrNoRows) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

func (s *postgresStore) GetFileByHash(ctx context.Context, userID int64, hash string) (File, bool, error) {
	var f File
	err := scanFile(s.q.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE user_id = $1 AND content_hash = $2 LIMIT 1`, userID, hash), &f)
	if errors.Is(err, pgx.ErrNoRows) {
		return File{}, false, nil
	}
	if err != nil {
		return File{}, false, fmt.Errorf("get file by hash: %w", err)
	}
	return f, true, nil
}

func (s *postgresStore) GetFilesByIDs(ctx context.Context, ids []int64) (map[int64]File, error) {
	if len(ids) == 0 {
		return map[int64]File{}, nil
	}
	rows, err := s.q.Query(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get files: %w", err)
	}
	defer rows.Close()
	out := map[int64]File{}
	for rows.Next() {
		var f File
		if err := scanFile(rows, &f); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out[f.ID] = f
	}
	return out, rows.Err()
}

func (s *postgresStore) UpdateFile(ctx context.Context, f *File) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE files SET filename=$2, original_filename=$3, file_type=$4, file_size=$5,
			storage_path=$6, content_hash=$7, status=$8, chunk_count=$9, updated_at=now()
		WHERE id=$1`,
		f.ID, f.Filename, f.OriginalFilename, f.FileType, f.FileSize, f.StoragePath, f.ContentHash, f.Status, f.ChunkCount)
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) DeleteFile(ctx context.Context, id int64) error {
	_, err := s.q.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

func (s *postgresStore) ListFiles(ctx context.Context, userID int64, page, pageSize int) ([]File, int, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	var total int
	if err := s.q.QueryRow(ctx, `SELECT count(*) FROM files WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
	}
	rows, err := s.q.Query(ctx, `SELECT `+fileColumns+` FROM files WHERE user_id = $1
		ORDER BY created_at DESC, id DESC OFFSET $2 LIMIT $3`, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()
	var out []File
	for rows.Next() {
		var f File
		if err := scanFile(rows, &f); err != nil {
			return nil, 0, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, total, rows.Err()
}

// ---- knowledge bases ----

const kbColumns = `id, user_id, name, description, chunk_size, chunk_overlap, chunk_max_expand_ratio, hybrid_search, rerank, file_count, chunk_count, created_at, updated_at`

func scanKB(row pgx.Row, kb *KnowledgeBase) error {
	return row.Scan(&kb.ID, &kb.UserID, &kb.Name, &kb.Description, &kb.ChunkSize, &kb.ChunkOverlap,
		&kb.ChunkMaxExpandRatio, &kb.HybridSearch, &kb.Rerank, &kb.FileCount, &kb.ChunkCount, &kb.CreatedAt, &kb.UpdatedAt)
}

func (s *postgresStore) CreateKB(ctx context.Context, kb *KnowledgeBase) error {
	row := s.q.QueryRow(ctx, `
		INSERT INTO knowledge_bases (user_id, name, description, chunk_size, chunk_overlap, chunk_max_expand_ratio, hybrid_search, rerank)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at, updated_at`,
		kb.UserID, kb.Name, kb.Description, kb.ChunkSize, kb.ChunkOverlap, kb.ChunkMaxExpandRatio, kb.HybridSearch, kb.Rerank)
	if err := row.Scan(&kb.ID, &kb.CreatedAt, &kb.UpdatedAt); err != nil {
		return fmt.Errorf("create knowledge base: %w", err)
	}
	return nil
}

func (s *postgresStore) GetKB(ctx context.Context, id, userID int64) (KnowledgeBase, error) {
	var kb KnowledgeBase
	err := scanKB(s.q.QueryRow(ctx,
		`SELECT `+kbColumns+` FROM knowledge_bases WHERE id = $1 AND user_id = $2`, id, userID), &kb)
	if errors.Is(err, pgx.ErrNoRows) {
		return KnowledgeBase{}, ErrNotFound
	}
	if err != nil {
		return KnowledgeBase{}, fmt.Errorf("get knowledge base: %w", err)
	}
	return kb, nil
}

func (s *postgresStore) UpdateKB(ctx context.Context, kb *KnowledgeBase) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE knowledge_bases SET name=$2, description=$3, chunk_size=$4, chunk_overlap=$5,
			chunk_max_expand_ratio=$6, hybrid_search=$7, rerank=$8, file_count=$9, chunk_count=$10, updated_at=now()
		WHERE id=$1`,
		kb.ID, kb.Name, kb.Description, kb.ChunkSize, kb.ChunkOverlap, kb.ChunkMaxExpandRatio,
		kb.HybridSearch, kb.Rerank, kb.FileCount, kb.ChunkCount)
	if err != nil {
		return fmt.Errorf("update knowledge base: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) DeleteKB(ctx context.Context, id int64) error {
	_, err := s.q.Exec(ctx, `DELETE FROM knowledge_bases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete knowledge base: %w", err)
	}
	return nil
}

func (s *postgresStore) ListKBs(ctx context.Context, userID int64, page, pageSize int) ([]KnowledgeBase, int, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	var total int
	if err := s.q.QueryRow(ctx, `SELECT count(*) FROM knowledge_bases WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count knowledge bases: %w", err)
	}
	rows, err := s.q.Query(ctx, `SELECT `+kbColumns+` FROM knowledge_bases WHERE user_id = $1
		ORDER BY created_at DESC, id DESC OFFSET $2 LIMIT $3`, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list knowledge bases: %w", err)
	}
	defer rows.Close()
	var out []KnowledgeBase
	for rows.Next() {
		var kb KnowledgeBase
		if err := scanKB(rows, &kb); err != nil {
			return nil, 0, fmt.Errorf("scan knowledge base: %w", err)
		}
		out = append(out, kb)
	}
	return out, total, rows.Err()
}

func (s *postgresStore) ListKBIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.q.Query(ctx, `SELECT id FROM knowledge_bases WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list kb ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- kb-file links ----

func (s *postgresStore) CreateKBFile(ctx context.Context, kbID, fileID int64) (KBFile, error) {
	var kf KBFile
	row := s.q.QueryRow(ctx, `
		INSERT INTO knowledge_base_files (knowledge_base_id, file_id) VALUES ($1,$2)
		RETURNING id, knowledge_base_id, file_id, created_at`, kbID, fileID)
	if err := row.Scan(&kf.ID, &kf.KnowledgeBaseID, &kf.FileID, &kf.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return KBFile{}, ErrConflict
		}
		return KBFile{}, fmt.Errorf("create kb file link: %w", err)
	}
	return kf, nil
}

func (s *postgresStore) HasKBFile(ctx context.Context, kbID, fileID int64) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM knowledge_base_files WHERE knowledge_base_id = $1 AND file_id = $2)`, kbID, fileID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check kb file link: %w", err)
	}
	return exists, nil
}

func (s *postgresStore) DeleteKBFile(ctx context.Context, kbID, fileID int64) error {
	_, err := s.q.Exec(ctx, `DELETE FROM knowledge_base_files WHERE knowledge_base_id = $1 AND file_id = $2`, kbID, fileID)
	if err != nil {
		return fmt.Errorf("delete kb file link: %w", err)
	}
	return nil
}

func (s *postgresStore) DeleteKBFilesByFile(ctx context.Context, fileID int64) error {
	_, err := s.q.Exec(ctx, `DELETE FROM knowledge_base_files WHERE file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("delete kb file links: %w", err)
	}
	return nil
}

func (s *postgresStore) CountKBFiles(ctx context.Context, kbID int64) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `SELECT count(*) FROM knowledge_base_files WHERE knowledge_base_id = $1`, kbID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count kb file links: %w", err)
	}
	return n, nil
}

func (s *postgresStore) ListKBFileIDs(ctx context.Context, kbID int64) ([]int64, error) {
	rows, err := s.q.Query(ctx, `SELECT file_id FROM knowledge_base_files WHERE knowledge_base_id = $1 ORDER BY id`, kbID)
	if err != nil {
		return nil, fmt.Errorf("list kb file ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- chunks ----

const chunkColumns = `id, file_id, knowledge_base_id, content, chunk_index, vector_id, embedding_source, created_at`

func scanChunk(row pgx.Row, c *Chunk) error {
	return row.Scan(&c.ID, &c.FileID, &c.KnowledgeBaseID, &c.Content, &c.ChunkIndex, &c.VectorID, &c.EmbeddingSource, &c.CreatedAt)
}

func (s *postgresStore) CreateChunks(ctx context.Context, chunks []*Chunk) error {
	for _, c := range chunks {
		if c.EmbeddingSource == "" {
			c.EmbeddingSource = SourceText
		}
		row := s.q.QueryRow(ctx, `
			INSERT INTO chunks (file_id, knowledge_base_id, content, chunk_index, vector_id, embedding_source)
			VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at`,
			c.FileID, c.KnowledgeBaseID, c.Content, c.ChunkIndex, c.VectorID, c.EmbeddingSource)
		if err := row.Scan(&c.ID, &c.CreatedAt); err != nil {
			return fmt.Errorf("create chunk: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) SetChunkVectorIDs(ctx context.Context, ids, vectorIDs []int64) error {
	for i, id := range ids {
		if i >= len(vectorIDs) {
			break
		}
		if _, err := s.q.Exec(ctx, `UPDATE chunks SET vector_id = $2 WHERE id = $1`, id, vectorIDs[i]); err != nil {
			return fmt.Errorf("set chunk vector id: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) queryChunks(ctx context.Context, sql string, args ...any) ([]Chunk, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := scanChunk(rows, &c); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *postgresStore) GetChunksByIDs(ctx context.Context, ids []int64) (map[int64]Chunk, error) {
	if len(ids) == 0 {
		return map[int64]Chunk{}, nil
	}
	chunks, err := s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Chunk, len(chunks))
	for _, c := range chunks {
		out[c.ID] = c
	}
	return out, nil
}

func (s *postgresStore) ListChunksByKB(ctx context.Context, kbID int64) ([]Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE knowledge_base_id = $1 ORDER BY id`, kbID)
}

func (s *postgresStore) ListChunksByKBFile(ctx context.Context, kbID, fileID int64) ([]Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks
		WHERE knowledge_base_id = $1 AND file_id = $2 ORDER BY chunk_index`, kbID, fileID)
}

func (s *postgresStore) ListChunksByFile(ctx context.Context, fileID int64) ([]Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE file_id = $1 ORDER BY id`, fileID)
}

func (s *postgresStore) ListChunkRange(ctx context.Context, kbID, fileID int64, fromIndex, toIndex int) ([]Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks
		WHERE knowledge_base_id = $1 AND file_id = $2 AND chunk_index BETWEEN $3 AND $4
		ORDER BY chunk_index`, kbID, fileID, fromIndex, toIndex)
}

func (s *postgresStore) FirstChunks(ctx context.Context, kbID int64, limit int) ([]Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks
		WHERE knowledge_base_id = $1 AND content <> '' ORDER BY id LIMIT $2`, kbID, limit)
}

func (s *postgresStore) SearchChunksLike(ctx context.Context, kbIDs []int64, keywords []string, limit int) ([]Chunk, error) {
	if len(kbIDs) == 0 || len(keywords) == 0 {
		return nil, nil
	}
	args := []any{kbIDs}
	var conds []string
	for _, kw := range keywords {
		args = append(args, "%"+kw+"%")
		conds = append(conds, fmt.Sprintf("content ILIKE $%d", len(args)))
	}
	args = append(args, limit)
	sql := fmt.Sprintf(`SELECT `+chunkColumns+` FROM chunks
		WHERE knowledge_base_id = ANY($1) AND content <> '' AND (%s)
		ORDER BY id LIMIT $%d`, strings.Join(conds, " OR "), len(args))
	return s.queryChunks(ctx, sql, args...)
}

func (s *postgresStore) DeleteChunksByKB(ctx context.Context, kbID int64) error {
	_, err := s.q.Exec(ctx, `DELETE FROM chunks WHERE knowledge_base_id = $1`, kbID)
	if err != nil {
		return fmt.Errorf("delete chunks by kb: %w", err)
	}
	return nil
}

func (s *postgresStore) DeleteChunksByKBFile(ctx context.Context, kbID, fileID int64) error {
	_, err := s.q.Exec(ctx, `DELETE FROM chunks WHERE knowledge_base_id = $1 AND file_id = $2`, kbID, fileID)
	if err != nil {
		return fmt.Errorf("delete chunks by kb file: %w", err)
	}
	return nil
}

func (s *postgresStore) DeleteChunksByFile(ctx context.Context, fileID int64) error {
	_, err := s.q.Exec(ctx, `DELETE FROM chunks WHERE file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("delete chunks by file: %w", err)
	}
	return nil
}

// ---- conversations ----

const convColumns = `id, user_id, knowledge_base_id, title, created_at, updated_at`

func scanConversation(row pgx.Row, c *Conversation) error {
	return row.Scan(&c.ID, &c.UserID, &c.KnowledgeBaseID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
}

func (s *postgresStore) CreateConversation(ctx context.Context, c *Conversation) error {
	row := s.q.QueryRow(ctx, `
		INSERT INTO conversations (user_id, knowledge_base_id, title) VALUES ($1,$2,$3)
		RETURNING id, created_at, updated_at`, c.UserID, c.KnowledgeBaseID, c.Title)
	if err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *postgresStore) GetConversation(ctx context.Context, id, userID int64) (Conversation, error) {
	var c Conversation
	err := scanConversation(s.q.QueryRow(ctx,
		`SELECT `+convColumns+` FROM conversations WHERE id = $1 AND user_id = $2`, id, userID), &c)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *postgresStore) UpdateConversation(ctx context.Context, c *Conversation) error {
	tag, err := s.q.Exec(ctx, `UPDATE conversations SET title=$2, updated_at=now() WHERE id=$1`, c.ID, c.Title)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) DeleteConversation(ctx context.Context, id, userID int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ListConversations(ctx context.Context, userID int64, page, pageSize int) ([]Conversation, int, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	var total int
	if err := s.q.QueryRow(ctx, `SELECT count(*) FROM conversations WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}
	rows, err := s.q.Query(ctx, `SELECT `+convColumns+` FROM conversations WHERE user_id = $1
		ORDER BY updated_at DESC, id DESC OFFSET $2 LIMIT $3`, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (s *postgresStore) CountConversations(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `SELECT count(*) FROM conversations WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

func (s *postgresStore) EvictOldestConversations(ctx context.Context, userID int64, max int) (int, error) {
	tag, err := s.q.Exec(ctx, `
		DELETE FROM conversations WHERE id IN (
			SELECT id FROM conversations WHERE user_id = $1
			ORDER BY updated_at DESC, id DESC OFFSET $2
		)`, userID, max)
	if err != nil {
		return 0, fmt.Errorf("evict conversations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ---- messages ----

const messageColumns = `id, conversation_id, role, content, tokens, model, confidence, retrieved_context, max_confidence_context, sources, created_at`

func scanMessage(row pgx.Row, m *Message) error {
	return row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Tokens, &m.Model,
		&m.Confidence, &m.RetrievedContext, &m.MaxConfidenceContext, &m.Sources, &m.CreatedAt)
}

func (s *postgresStore) CreateMessage(ctx context.Context, m *Message) error {
	row := s.q.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, role, content, tokens, model, confidence, retrieved_context, max_confidence_context, sources)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at`,
		m.ConversationID, m.Role, m.Content, m.Tokens, m.Model, m.Confidence, m.RetrievedContext, m.MaxConfidenceContext, m.Sources)
	if err := row.Scan(&m.ID, &m.CreatedAt); err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *postgresStore) ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	rows, err := s.q.Query(ctx, `SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		) recent ORDER BY created_at, id`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *postgresStore) ListMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	rows, err := s.q.Query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 ORDER BY created_at, id LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
