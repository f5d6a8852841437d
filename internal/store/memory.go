package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryStore keeps everything in maps. WithTx snapshots state and
// restores it when fn fails, emulating a rollback.
type memoryStore struct {
	mu sync.Mutex
	*memoryState
	inTx bool
}

type memoryState struct {
	nextID        int64
	files         map[int64]File
	kbs           map[int64]KnowledgeBase
	kbFiles       map[int64]KBFile
	chunks        map[int64]Chunk
	conversations map[int64]Conversation
	messages      map[int64]Message
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{memoryState: newMemoryState()}
}

func newMemoryState() *memoryState {
	return &memoryState{
		nextID:        1,
		files:         map[int64]File{},
		kbs:           map[int64]KnowledgeBase{},
		kbFiles:       map[int64]KBFile{},
		chunks:        map[int64]Chunk{},
		conversations: map[int64]Conversation{},
		messages:      map[int64]Message{},
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	c.nextID = s.nextID
	for k, v := range s.files {
		c.files[k] = v
	}
	for k, v := range s.kbs {
		c.kbs[k] = v
	}
	for k, v := range s.kbFiles {
		c.kbFiles[k] = v
	}
	for k, v := range s.chunks {
		c.chunks[k] = v
	}
	for k, v := range s.conversations {
		c.conversations[k] = v
	}
	for k, v := range s.messages {
		c.messages[k] = v
	}
	return c
}

func (s *memoryStore) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

func (s *memoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *memoryStore) WithTx(_ context.Context, fn func(tx Store) error) error {
	if s.inTx {
		// Nested transactions join the outer one.
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.memoryState.clone()
	tx := &memoryStore{memoryState: s.memoryState, inTx: true}
	if err := fn(tx); err != nil {
		*s.memoryState = *snapshot
		return err
	}
	return nil
}

// ---- files ----

func (s *memoryStore) CreateFile(_ context.Context, f *File) error {
	defer s.lock()()
	now := time.Now().UTC()
	f.ID = s.id()
	f.CreatedAt = now
	f.UpdatedAt = now
	s.files[f.ID] = *f
	return nil
}

func (s *memoryStore) GetFile(_ context.Context, id, userID int64) (File, error) {
	defer s.lock()()
	f, ok := s.files[id]
	if !ok || f.UserID != userID {
		return File{}, ErrNotFound
	}
	return f, nil
}

func (s *memoryStore) GetFileByHash(_ context.Context, userID int64, hash string) (File, bool, error) {
	defer s.lock()()
	for _, f := range s.files {
		if f.UserID == userID && f.ContentHash == hash {
			return f, true, nil
		}
	}
	return File{}, false, nil
}

func (s *memoryStore) GetFilesByIDs(_ context.Context, ids []int64) (map[int64]File, error) {
	defer s.lock()()
	out := make(map[int64]File, len(ids))
	for _, id := range ids {
		if f, ok := s.files[id]; ok {
			out[id] = f
		}
	}
	return out, nil
}

func (s *memoryStore) UpdateFile(_ context.Context, f *File) error {
	defer s.lock()()
	if _, ok := s.files[f.ID]; !ok {
		return ErrNotFound
	}
	f.UpdatedAt = time.Now().UTC()
	s.files[f.ID] = *f
	return nil
}

func (s *memoryStore) DeleteFile(_ context.Context, id int64) error {
	defer s.lock()()
	delete(s.files, id)
	return nil
}

func (s *memoryStore) ListFiles(_ context.Context, userID int64, page, pageSize int) ([]File, int, error) {
	defer s.lock()()
	var all []File
	for _, f := range s.files {
		if f.UserID == userID {
			all = append(all, f)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return paginate(all, page, pageSize), len(all), nil
}

// ---- knowledge bases ----

func (s *memoryStore) CreateKB(_ context.Context, kb *KnowledgeBase) error {
	defer s.lock()()
	now := time.Now().UTC()
	kb.ID = s.id()
	kb.CreatedAt = now
	kb.UpdatedAt = now
	s.kbs[kb.ID] = *kb
	return nil
}

func (s *memoryStore) GetKB(_ context.Context, id, userID int64) (KnowledgeBase, error) {
	defer s.lock()()
	kb, ok := s.kbs[id]
	if !ok || kb.UserID != userID {
		return KnowledgeBase{}, ErrNotFound
	}
	return kb, nil
}

func (s *memoryStore) UpdateKB(_ context.Context, kb *KnowledgeBase) error {
	defer s.lock()()
	if _, ok := s.kbs[kb.ID]; !ok {
		return ErrNotFound
	}
	kb.UpdatedAt = time.Now().UTC()
	s.kbs[kb.ID] = *kb
	return nil
}

func (s *memoryStore) DeleteKB(_ context.Context, id int64) error {
	defer s.lock()()
	delete(s.kbs, id)
	return nil
}

func (s *memoryStore) ListKBs(_ context.Context, userID int64, page, pageSize int) ([]KnowledgeBase, int, error) {
	defer s.lock()()
	var all []KnowledgeBase
	for _, kb := range s.kbs {
		if kb.UserID == userID {
			all = append(all, kb)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return paginate(all, page, pageSize), len(all), nil
}

func (s *memoryStore) ListKBIDs(_ context.Context, userID int64) ([]int64, error) {
	defer s.lock()()
	var ids []int64
	for _, kb := range s.kbs {
		if kb.UserID == userID {
			ids = append(ids, kb.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ---- kb-file links ----

func (s *memoryStore) CreateKBFile(_ context.Context, kbID, fileID int64) (KBFile, error) {
	defer s.lock()()
	for _, kf := range s.kbFiles {
		if kf.KnowledgeBaseID == kbID && kf.FileID == fileID {
			return KBFile{}, ErrConflict
		}
	}
	kf := KBFile{ID: s.id(), KnowledgeBaseID: kbID, FileID: fileID, CreatedAt: time.Now().UTC()}
	s.kbFiles[kf.ID] = kf
	return kf, nil
}

func (s *memoryStore) HasKBFile(_ context.Context, kbID, fileID int64) (bool, error) {
	defer s.lock()()
	for _, kf := range s.kbFiles {
		if kf.KnowledgeBaseID == kbID && kf.FileID == fileID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) DeleteKBFile(_ context.Context, kbID, fileID int64) error {
	defer s.lock()()
	for id, kf := range s.kbFiles {
		if kf.KnowledgeBaseID == kbID && kf.FileID == fileID {
			delete(s.kbFiles, id)
			return nil
		}
	}
	return nil
}

func (s *memoryStore) DeleteKBFilesByFile(_ context.Context, fileID int64) error {
	defer s.lock()()
	for id, kf := range s.kbFiles {
		if kf.FileID == fileID {
			delete(s.kbFiles, id)
		}
	}
	return nil
}

func (s *memoryStore) CountKBFiles(_ context.Context, kbID int64) (int, error) {
	defer s.lock()()
	n := 0
	for _, kf := range s.kbFiles {
		if kf.KnowledgeBaseID == kbID {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) ListKBFileIDs(_ context.Context, kbID int64) ([]int64, error) {
	defer s.lock()()
	var links []KBFile
	for _, kf := range s.kbFiles {
		if kf.KnowledgeBaseID == kbID {
			links = append(links, kf)
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].ID < links[j].ID })
	ids := make([]int64, 0, len(links))
	for _, kf := range links {
		ids = append(ids, kf.FileID)
	}
	return ids, nil
}

// ---- chunks ----

func (s *memoryStore) CreateChunks(_ context.Context, chunks []*Chunk) error {
	defer s.lock()()
	now := time.Now().UTC()
	for _, c := range chunks {
		c.ID = s.id()
		c.CreatedAt = now
		s.chunks[c.ID] = *c
	}
	return nil
}

func (s *memoryStore) SetChunkVectorIDs(_ context.Context, ids, vectorIDs []int64) error {
	defer s.lock()()
	for i, id := range ids {
		if c, ok := s.chunks[id]; ok && i < len(vectorIDs) {
			c.VectorID = vectorIDs[i]
			s.chunks[id] = c
		}
	}
	return nil
}

func (s *memoryStore) GetChunksByIDs(_ context.Context, ids []int64) (map[int64]Chunk, error) {
	defer s.lock()()
	out := make(map[int64]Chunk, len(ids))
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (s *memoryStore) chunksWhere(pred func(Chunk) bool) []Chunk {
	var out []Chunk
	for _, c := range s.chunks {
		if pred(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memoryStore) ListChunksByKB(_ context.Context, kbID int64) ([]Chunk, error) {
	defer s.lock()()
	return s.chunksWhere(func(c Chunk) bool { return c.KnowledgeBaseID == kbID }), nil
}

func (s *memoryStore) ListChunksByKBFile(_ context.Context, kbID, fileID int64) ([]Chunk, error) {
	defer s.lock()()
	out := s.chunksWhere(func(c Chunk) bool { return c.KnowledgeBaseID == kbID && c.FileID == fileID })
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (s *memoryStore) ListChunksByFile(_ context.Context, fileID int64) ([]Chunk, error) {
	defer s.lock()()
	return s.chunksWhere(func(c Chunk) bool { return c.FileID == fileID }), nil
}

func (s *memoryStore) ListChunkRange(_ context.Context, kbID, fileID int64, fromIndex, toIndex int) ([]Chunk, error) {
	defer s.lock()()
	out := s.chunksWhere(func(c Chunk) bool {
		return c.KnowledgeBaseID == kbID && c.FileID == fileID &&
			c.ChunkIndex >= fromIndex && c.ChunkIndex <= toIndex
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (s *memoryStore) FirstChunks(_ context.Context, kbID int64, limit int) ([]Chunk, error) {
	defer s.lock()()
	out := s.chunksWhere(func(c Chunk) bool { return c.KnowledgeBaseID == kbID && c.Content != "" })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) SearchChunksLike(_ context.Context, kbIDs []int64, keywords []string, limit int) ([]Chunk, error) {
	defer s.lock()()
	kbSet := make(map[int64]bool, len(kbIDs))
	for _, id := range kbIDs {
		kbSet[id] = true
	}
	out := s.chunksWhere(func(c Chunk) bool {
		if !kbSet[c.KnowledgeBaseID] || c.Content == "" {
			return false
		}
		lower := strings.ToLower(c.Content)
		for _, kw := range keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
		return false
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) DeleteChunksByKB(_ context.Context, kbID int64) error {
	defer s.lock()()
	for id, c := range s.chunks {
		if c.KnowledgeBaseID == kbID {
			delete(s.chunks, id)
		}
	}
	return nil
}

func (s *memoryStore) DeleteChunksByKBFile(_ context.Context, kbID, fileID int64) error {
	defer s.lock()()
	for id, c := range s.chunks {
		if c.KnowledgeBaseID == kbID && c.FileID == fileID {
			delete(s.chunks, id)
		}
	}
	return nil
}

func (s *memoryStore) DeleteChunksByFile(_ context.Context, fileID int64) error {
	defer s.lock()()
	for id, c := range s.chunks {
		if c.FileID == fileID {
			delete(s.chunks, id)
		}
	}
	return nil
}

// ---- conversations ----

func (s *memoryStore) CreateConversation(_ context.Context, c *Conversation) error {
	defer s.lock()()
	now := time.Now().UTC()
	c.ID = s.id()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.conversations[c.ID] = *c
	return nil
}

func (s *memoryStore) GetConversation(_ context.Context, id, userID int64) (Conversation, error) {
	defer s.lock()()
	c, ok := s.conversations[id]
	if !ok || c.UserID != userID {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *memoryStore) UpdateConversation(_ context.Context, c *Conversation) error {
	defer s.lock()()
	if _, ok := s.conversations[c.ID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now().UTC()
	s.conversations[c.ID] = *c
	return nil
}

func (s *memoryStore) DeleteConversation(_ context.Context, id, userID int64) error {
	defer s.lock()()
	c, ok := s.conversations[id]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	delete(s.conversations, id)
	for mid, m := range s.messages {
		if m.ConversationID == id {
			delete(s.messages, mid)
		}
	}
	return nil
}

func (s *memoryStore) listConversations(userID int64) []Conversation {
	var all []Conversation
	for _, c := range s.conversations {
		if c.UserID == userID {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	return all
}

func (s *memoryStore) ListConversations(_ context.Context, userID int64, page, pageSize int) ([]Conversation, int, error) {
	defer s.lock()()
	all := s.listConversations(userID)
	return paginate(all, page, pageSize), len(all), nil
}

func (s *memoryStore) CountConversations(_ context.Context, userID int64) (int, error) {
	defer s.lock()()
	n := 0
	for _, c := range s.conversations {
		if c.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) EvictOldestConversations(_ context.Context, userID int64, max int) (int, error) {
	defer s.lock()()
	all := s.listConversations(userID)
	if len(all) <= max {
		return 0, nil
	}
	evicted := all[max:]
	for _, c := range evicted {
		delete(s.conversations, c.ID)
		for mid, m := range s.messages {
			if m.ConversationID == c.ID {
				delete(s.messages, mid)
			}
		}
	}
	return len(evicted), nil
}

// ---- messages ----

func (s *memoryStore) CreateMessage(_ context.Context, m *Message) error {
	defer s.lock()()
	m.ID = s.id()
	m.CreatedAt = time.Now().UTC()
	s.messages[m.ID] = *m
	return nil
}

func (s *memoryStore) conversationMessages(conversationID int64) []Message {
	var all []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			all = append(all, m)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return all
}

func (s *memoryStore) ListRecentMessages(_ context.Context, conversationID int64, limit int) ([]Message, error) {
	defer s.lock()()
	all := s.conversationMessages(conversationID)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *memoryStore) ListMessages(_ context.Context, conversationID int64, limit int) ([]Message, error) {
	defer s.lock()()
	all := s.conversationMessages(conversationID)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func paginate[T any](all []T, page, pageSize int) []T {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	out := make([]T, end-start)
	copy(out, all[start:end])
	return out
}
