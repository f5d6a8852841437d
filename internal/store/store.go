// Package store persists users, files, knowledge bases, chunks, and
// conversations behind a single interface with postgres and in-memory
// implementations.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound covers both absent rows and rows owned by another
	// user; callers must not be able to tell the two apart.
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// FileStatus tracks the upload lifecycle.
type FileStatus string

const (
	FileUploading  FileStatus = "uploading"
	FileProcessing FileStatus = "processing"
	FileCompleted  FileStatus = "completed"
	FileFailed     FileStatus = "failed"
)

// File is one uploaded object.
type File struct {
	ID               int64
	UserID           int64
	Filename         string
	OriginalFilename string
	FileType         string
	FileSize         int64
	StoragePath      string
	ContentHash      string
	Status           FileStatus
	ChunkCount       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// KnowledgeBase is a retrieval scope owned by one user. Chunking fields
// are per-KB overrides; nil falls back to the global defaults.
type KnowledgeBase struct {
	ID                  int64
	UserID              int64
	Name                string
	Description         string
	ChunkSize           *int
	ChunkOverlap        *int
	ChunkMaxExpandRatio *float64
	HybridSearch        bool
	Rerank              bool
	FileCount           int
	ChunkCount          int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// KBFile links a file into a knowledge base.
type KBFile struct {
	ID              int64
	KnowledgeBaseID int64
	FileID          int64
	CreatedAt       time.Time
}

// EmbeddingSource values for Chunk.
const (
	SourceText  = "text"
	SourceImage = "image"
)

// Chunk is one indexed unit of text. VectorID is reproducible from the
// chunk id, so deletion never needs a lookup.
type Chunk struct {
	ID              int64
	FileID          int64
	KnowledgeBaseID int64
	Content         string
	ChunkIndex      int
	VectorID        int64
	EmbeddingSource string
	CreatedAt       time.Time
}

// Conversation is a chat session, optionally bound to one KB.
type Conversation struct {
	ID              int64
	UserID          int64
	KnowledgeBaseID *int64
	Title           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Message is one turn. Confidence is nullable: nil means the turn had no
// real retrieval behind it.
type Message struct {
	ID                   int64
	ConversationID       int64
	Role                 string
	Content              string
	Tokens               int
	Model                string
	Confidence           *float64
	RetrievedContext     string
	MaxConfidenceContext string
	Sources              string // serialized citations JSON
	CreatedAt            time.Time
}

// Store is the relational persistence contract. WithTx runs fn inside a
// transaction: all writes made through the passed Store commit together
// or roll back together.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Files
	CreateFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, id, userID int64) (File, error)
	GetFileByHash(ctx context.Context, userID int64, hash string) (File, bool, error)
	GetFilesByIDs(ctx context.Context, ids []int64) (map[int64]File, error)
	UpdateFile(ctx context.Context, f *File) error
	DeleteFile(ctx context.Context, id int64) error
	ListFiles(ctx context.Context, userID int64, page, pageSize int) ([]File, int, error)

	// Knowledge bases
	CreateKB(ctx context.Context, kb *KnowledgeBase) error
	GetKB(ctx context.Context, id, userID int64) (KnowledgeBase, error)
	UpdateKB(ctx context.Context, kb *KnowledgeBase) error
	DeleteKB(ctx context.Context, id int64) error
	ListKBs(ctx context.Context, userID int64, page, pageSize int) ([]KnowledgeBase, int, error)
	ListKBIDs(ctx context.Context, userID int64) ([]int64, error)

	// KB-file links
	CreateKBFile(ctx context.Context, kbID, fileID int64) (KBFile, error)
	HasKBFile(ctx context.Context, kbID, fileID int64) (bool, error)
	DeleteKBFile(ctx context.Context, kbID, fileID int64) error
	DeleteKBFilesByFile(ctx context.Context, fileID int64) error
	CountKBFiles(ctx context.Context, kbID int64) (int, error)
	ListKBFileIDs(ctx context.Context, kbID int64) ([]int64, error)

	// Chunks
	CreateChunks(ctx context.Context, chunks []*Chunk) error
	SetChunkVectorIDs(ctx context.Context, ids, vectorIDs []int64) error
	GetChunksByIDs(ctx context.Context, ids []int64) (map[int64]Chunk, error)
	ListChunksByKB(ctx context.Context, kbID int64) ([]Chunk, error)
	ListChunksByKBFile(ctx context.Context, kbID, fileID int64) ([]Chunk, error)
	ListChunksByFile(ctx context.Context, fileID int64) ([]Chunk, error)
	ListChunkRange(ctx context.Context, kbID, fileID int64, fromIndex, toIndex int) ([]Chunk, error)
	FirstChunks(ctx context.Context, kbID int64, limit int) ([]Chunk, error)
	SearchChunksLike(ctx context.Context, kbIDs []int64, keywords []string, limit int) ([]Chunk, error)
	DeleteChunksByKB(ctx context.Context, kbID int64) error
	DeleteChunksByKBFile(ctx context.Context, kbID, fileID int64) error
	DeleteChunksByFile(ctx context.Context, fileID int64) error

	// Conversations
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id, userID int64) (Conversation, error)
	UpdateConversation(ctx context.Context, c *Conversation) error
	DeleteConversation(ctx context.Context, id, userID int64) error
	ListConversations(ctx context.Context, userID int64, page, pageSize int) ([]Conversation, int, error)
	CountConversations(ctx context.Context, userID int64) (int, error)
	// EvictOldestConversations deletes oldest-updated conversations until
	// the user's count is at most max. Returns how many were deleted.
	EvictOldestConversations(ctx context.Context, userID int64, max int) (int, error)

	// Messages
	CreateMessage(ctx context.Context, m *Message) error
	ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error)
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error)
}
