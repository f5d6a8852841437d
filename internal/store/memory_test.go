package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestMemory_FileCRUDAndOwnership(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	f := &File{UserID: 1, Filename: "a.txt", OriginalFilename: "a.txt", FileType: "txt", ContentHash: "h1", Status: FileCompleted}
	if err := s.CreateFile(ctx, f); err != nil {
		t.Fatalf("create: %v", err)
	}
	if f.ID == 0 {
		t.Fatalf("expected assigned id")
	}
	if _, err := s.GetFile(ctx, f.ID, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other user, got %v", err)
	}
	got, err := s.GetFile(ctx, f.ID, 1)
	if err != nil || got.Filename != "a.txt" {
		t.Fatalf("get: %v %+v", err, got)
	}
	if _, ok, _ := s.GetFileByHash(ctx, 1, "h1"); !ok {
		t.Fatalf("expected hash lookup hit")
	}
	if _, ok, _ := s.GetFileByHash(ctx, 1, "other"); ok {
		t.Fatalf("expected hash lookup miss")
	}
}

func TestMemory_WithTxRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	kb := &KnowledgeBase{UserID: 1, Name: "kb"}
	if err := s.CreateKB(ctx, kb); err != nil {
		t.Fatalf("create kb: %v", err)
	}

	err := s.WithTx(ctx, func(tx Store) error {
		if _, err := tx.CreateKBFile(ctx, kb.ID, 99); err != nil {
			return err
		}
		if err := tx.CreateChunks(ctx, []*Chunk{{FileID: 99, KnowledgeBaseID: kb.ID, Content: "c", ChunkIndex: 0}}); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatalf("expected error from tx")
	}
	if ok, _ := s.HasKBFile(ctx, kb.ID, 99); ok {
		t.Fatalf("kb file link survived rollback")
	}
	chunks, _ := s.ListChunksByKB(ctx, kb.ID)
	if len(chunks) != 0 {
		t.Fatalf("chunks survived rollback: %d", len(chunks))
	}
}

func TestMemory_ChunkQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	chunks := []*Chunk{
		{FileID: 1, KnowledgeBaseID: 5, Content: "alpha beta", ChunkIndex: 0},
		{FileID: 1, KnowledgeBaseID: 5, Content: "gamma delta", ChunkIndex: 1},
		{FileID: 1, KnowledgeBaseID: 5, Content: "epsilon", ChunkIndex: 2},
		{FileID: 2, KnowledgeBaseID: 6, Content: "beta zeta", ChunkIndex: 0},
	}
	if err := s.CreateChunks(ctx, chunks); err != nil {
		t.Fatalf("create chunks: %v", err)
	}

	rng, _ := s.ListChunkRange(ctx, 5, 1, 0, 1)
	if len(rng) != 2 || rng[0].ChunkIndex != 0 || rng[1].ChunkIndex != 1 {
		t.Fatalf("range query wrong: %+v", rng)
	}

	hits, _ := s.SearchChunksLike(ctx, []int64{5, 6}, []string{"beta"}, 10)
	if len(hits) != 2 {
		t.Fatalf("expected 2 LIKE hits, got %d", len(hits))
	}
	hits, _ = s.SearchChunksLike(ctx, []int64{5}, []string{"beta"}, 10)
	if len(hits) != 1 {
		t.Fatalf("expected kb-scoped hit, got %d", len(hits))
	}

	first, _ := s.FirstChunks(ctx, 5, 2)
	if len(first) != 2 || first[0].ID >= first[1].ID {
		t.Fatalf("first chunks not ordered by id: %+v", first)
	}
}

func TestMemory_ConversationEviction(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for i := 0; i < 7; i++ {
		c := &Conversation{UserID: 1, Title: fmt.Sprintf("c%d", i)}
		if err := s.CreateConversation(ctx, c); err != nil {
			t.Fatalf("create conversation: %v", err)
		}
		_ = s.CreateMessage(ctx, &Message{ConversationID: c.ID, Role: "user", Content: "hi"})
	}
	n, err := s.EvictOldestConversations(ctx, 1, 5)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 evicted, got %d", n)
	}
	count, _ := s.CountConversations(ctx, 1)
	if count != 5 {
		t.Fatalf("expected 5 remaining, got %d", count)
	}
}

func TestMemory_RecentMessagesOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	c := &Conversation{UserID: 1}
	_ = s.CreateConversation(ctx, c)
	for i := 0; i < 10; i++ {
		_ = s.CreateMessage(ctx, &Message{ConversationID: c.ID, Role: "user", Content: fmt.Sprintf("m%d", i)})
	}
	recent, err := s.ListRecentMessages(ctx, c.ID, 4)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(recent))
	}
	if recent[0].Content != "m6" || recent[3].Content != "m9" {
		t.Fatalf("wrong window: %v ... %v", recent[0].Content, recent[3].Content)
	}
}
