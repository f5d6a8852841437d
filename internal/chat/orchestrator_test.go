package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"lorebase/internal/config"
	"lorebase/internal/embed"
	"lorebase/internal/llm"
	"lorebase/internal/retrieve"
	"lorebase/internal/store"
	"lorebase/internal/vectorstore"
)

type fakeLLM struct {
	chatFn   func(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema) (llm.Message, error)
	streamFn func(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, h llm.StreamHandler) (llm.Message, error)
	calls    int
}

func (f *fakeLLM) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema) (llm.Message, error) {
	f.calls++
	if f.chatFn != nil {
		return f.chatFn(ctx, msgs, tools)
	}
	return llm.Message{Role: "assistant", Content: "回答内容"}, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, h llm.StreamHandler) (llm.Message, error) {
	f.calls++
	if f.streamFn != nil {
		return f.streamFn(ctx, msgs, tools, h)
	}
	for _, tok := range []string{"你", "好", "！"} {
		h.OnDelta(tok)
	}
	return llm.Message{Role: "assistant", Content: "你好！"}, nil
}

func (f *fakeLLM) Vision(context.Context, string, string, string) (string, error) { return "", nil }

type fakeTools struct {
	schemas []llm.ToolSchema
	called  []string
	result  string
}

func (f *fakeTools) Tools(context.Context) []llm.ToolSchema { return f.schemas }

func (f *fakeTools) Call(_ context.Context, name string, _ json.RawMessage) (string, error) {
	f.called = append(f.called, name)
	return f.result, nil
}

func chatConfig() config.ChatConfig {
	return config.ChatConfig{HistoryMaxCount: 100, ContextMessageCount: 8}
}

func newOrchestrator(t *testing.T, st store.Store, lc llm.Client, tools ToolRunner) *Orchestrator {
	t.Helper()
	ragCfg := config.RAGConfig{RRFK: 60, UseBM25: true, ConfidenceThreshold: 0.6}
	engine := retrieve.NewEngine(st, vectorstore.NewMemory(), embed.NewDeterministic(16), nil, nil, ragCfg)
	return New(st, engine, lc, nil, nil, tools, chatConfig(), 0.6, "test-model")
}

func TestChat_CreatesConversationAndPersistsTurn(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	o := newOrchestrator(t, st, &fakeLLM{}, nil)

	resp, err := o.Chat(ctx, 1, "什么是向量检索？", nil, nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.ConversationID == 0 || resp.Message == "" {
		t.Fatalf("bad response: %+v", resp)
	}
	conv, err := st.GetConversation(ctx, resp.ConversationID, 1)
	if err != nil {
		t.Fatalf("conversation not stored: %v", err)
	}
	if conv.Title != "什么是向量检索？" {
		t.Fatalf("title not derived: %q", conv.Title)
	}
	msgs, _ := st.ListMessages(ctx, conv.ID, 10)
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("expected user+assistant messages, got %+v", msgs)
	}
	// No KBs exist: the answer is ungrounded, confidence must be nil.
	if resp.Confidence != nil {
		t.Fatalf("expected nil confidence without retrieval, got %v", *resp.Confidence)
	}
}

func TestChat_TitleTruncatedToFiftyRunes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	o := newOrchestrator(t, st, &fakeLLM{}, nil)
	long := strings.Repeat("问", 80)
	resp, err := o.Chat(ctx, 1, long, nil, nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	conv, _ := st.GetConversation(ctx, resp.ConversationID, 1)
	if got := len([]rune(conv.Title)); got != maxTitleChars {
		t.Fatalf("title length %d, want %d", got, maxTitleChars)
	}
}

func seedKB(t *testing.T, st store.Store, contents ...string) store.KnowledgeBase {
	t.Helper()
	ctx := context.Background()
	kb := store.KnowledgeBase{UserID: 1, Name: "kb", HybridSearch: true}
	if err := st.CreateKB(ctx, &kb); err != nil {
		t.Fatalf("create kb: %v", err)
	}
	f := store.File{UserID: 1, Filename: "d.txt", OriginalFilename: "d.txt", FileType: "txt", Status: store.FileCompleted}
	_ = st.CreateFile(ctx, &f)
	_, _ = st.CreateKBFile(ctx, kb.ID, f.ID)
	chunks := make([]*store.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = &store.Chunk{FileID: f.ID, KnowledgeBaseID: kb.ID, Content: c, ChunkIndex: i}
	}
	_ = st.CreateChunks(ctx, chunks)
	return kb
}

func TestChat_LowConfidenceFallbackWarnsAndReportsContext(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	var sawSystem string
	lc := &fakeLLM{chatFn: func(_ context.Context, msgs []llm.Message, _ []llm.ToolSchema) (llm.Message, error) {
		sawSystem = msgs[0].Content
		return llm.Message{Role: "assistant", Content: "低置信度回答"}, nil
	}}
	o := newOrchestrator(t, st, lc, nil)
	kb := seedKB(t, st, "知识库里的第一段内容。", "知识库里的第二段内容。")

	// The query matches nothing lexically and no vectors are indexed, so
	// the engine falls back to leading chunks at confidence 0.5.
	resp, err := o.Chat(ctx, 1, "quantum flux capacitor", nil, &kb.ID)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Confidence == nil || *resp.Confidence >= 0.6 {
		t.Fatalf("expected low confidence, got %v", resp.Confidence)
	}
	if !strings.Contains(sawSystem, "置信度") {
		t.Fatalf("system prompt lacks low-confidence warning: %q", sawSystem)
	}
	if resp.RetrievedContext == "" {
		t.Fatalf("expected retrieved context surfaced at low confidence")
	}
	if len(resp.Sources) == 0 {
		t.Fatalf("expected citations from fallback chunks")
	}
	for _, c := range resp.Sources {
		if c.OriginalFilename != "d.txt" || len([]rune(c.Snippet)) > 200 {
			t.Fatalf("bad citation: %+v", c)
		}
	}
}

func TestChat_LLMFailurePersistsApology(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	lc := &fakeLLM{chatFn: func(context.Context, []llm.Message, []llm.ToolSchema) (llm.Message, error) {
		return llm.Message{}, fmt.Errorf("provider down")
	}}
	o := newOrchestrator(t, st, lc, nil)

	resp, err := o.Chat(ctx, 1, "hello", nil, nil)
	if err != nil {
		t.Fatalf("chat should degrade, not fail: %v", err)
	}
	if resp.Message != apologyMessage {
		t.Fatalf("expected apology, got %q", resp.Message)
	}
	if resp.Confidence != nil {
		t.Fatalf("apology must carry nil confidence")
	}
	msgs, _ := st.ListMessages(ctx, resp.ConversationID, 10)
	if len(msgs) != 2 || msgs[1].Content != apologyMessage {
		t.Fatalf("apology not persisted: %+v", msgs)
	}
}

func TestChat_ToolLoopExecutesAndFinishes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	tools := &fakeTools{
		schemas: []llm.ToolSchema{{Name: "mcp_search_web", Description: "web search", Parameters: map[string]any{"type": "object"}}},
		result:  "工具结果：42",
	}
	round := 0
	lc := &fakeLLM{chatFn: func(_ context.Context, msgs []llm.Message, ts []llm.ToolSchema) (llm.Message, error) {
		round++
		if round == 1 {
			if len(ts) == 0 {
				t.Fatalf("tools not exposed to the model")
			}
			return llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "mcp_search_web", Args: json.RawMessage(`{"q":"x"}`)}}}, nil
		}
		// The tool result must be visible in the second round.
		last := msgs[len(msgs)-1]
		if last.Role != "tool" || last.Content != "工具结果：42" {
			t.Fatalf("tool result missing from follow-up round: %+v", last)
		}
		return llm.Message{Role: "assistant", Content: "基于工具结果的回答"}, nil
	}}
	o := newOrchestrator(t, st, lc, tools)

	resp, err := o.Chat(ctx, 1, "需要工具的问题", nil, nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Message != "基于工具结果的回答" {
		t.Fatalf("unexpected final answer %q", resp.Message)
	}
	if len(tools.called) != 1 || tools.called[0] != "mcp_search_web" {
		t.Fatalf("tool not executed: %v", tools.called)
	}
}

func TestChat_ToolLoopBounded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	tools := &fakeTools{schemas: []llm.ToolSchema{{Name: "loop_tool", Parameters: map[string]any{"type": "object"}}}, result: "again"}
	lc := &fakeLLM{chatFn: func(context.Context, []llm.Message, []llm.ToolSchema) (llm.Message, error) {
		return llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "x", Name: "loop_tool", Args: json.RawMessage(`{}`)}}}, nil
	}}
	o := newOrchestrator(t, st, lc, tools)
	if _, err := o.Chat(ctx, 1, "loop", nil, nil); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if lc.calls != maxToolRounds {
		t.Fatalf("expected %d rounds, got %d", maxToolRounds, lc.calls)
	}
}

func TestChatStream_TokensThenDone(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	o := newOrchestrator(t, st, &fakeLLM{}, nil)

	var tokens []string
	var done *StreamEvent
	for ev := range o.ChatStream(ctx, 1, "streamed question", nil, nil) {
		switch ev.Type {
		case "token":
			tokens = append(tokens, ev.Content)
		case "done":
			e := ev
			done = &e
		}
	}
	if strings.Join(tokens, "") != "你好！" {
		t.Fatalf("tokens wrong: %v", tokens)
	}
	if done == nil || done.ConversationID == 0 {
		t.Fatalf("missing done event")
	}
	msgs, _ := st.ListMessages(ctx, done.ConversationID, 10)
	if len(msgs) != 2 || msgs[1].Content != "你好！" {
		t.Fatalf("streamed assistant message not persisted: %+v", msgs)
	}
}

func TestChatStream_ClientDisconnectPersistsPartial(t *testing.T) {
	st := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	lc := &fakeLLM{streamFn: func(sctx context.Context, _ []llm.Message, _ []llm.ToolSchema, h llm.StreamHandler) (llm.Message, error) {
		h.OnDelta("一")
		h.OnDelta("二")
		h.OnDelta("三")
		cancel()
		<-sctx.Done()
		return llm.Message{}, sctx.Err()
	}}
	o := newOrchestrator(t, st, lc, nil)

	var sawDone bool
	for ev := range o.ChatStream(ctx, 1, "cancel me", nil, nil) {
		if ev.Type == "done" {
			sawDone = true
		}
	}
	if sawDone {
		t.Fatalf("done event must not be emitted after disconnect")
	}
	// The partial message is persisted on a detached context.
	deadline := time.Now().Add(2 * time.Second)
	for {
		convs, _, _ := st.ListConversations(context.Background(), 1, 1, 10)
		if len(convs) == 1 {
			msgs, _ := st.ListMessages(context.Background(), convs[0].ID, 10)
			if len(msgs) == 2 && msgs[1].Content == "一二三" {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("partial assistant message not persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChat_EvictionKeepsAtMostMax(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	o := newOrchestrator(t, st, &fakeLLM{}, nil)
	o.cfg.HistoryMaxCount = 3

	for i := 0; i < 6; i++ {
		if _, err := o.Chat(ctx, 1, fmt.Sprintf("question %d", i), nil, nil); err != nil {
			t.Fatalf("chat %d: %v", i, err)
		}
	}
	count, _ := st.CountConversations(ctx, 1)
	if count > 3 {
		t.Fatalf("eviction failed: %d conversations", count)
	}
}

func TestHistory_SummarisesOlderTail(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	summaryCalls := 0
	lc := &fakeLLM{chatFn: func(_ context.Context, msgs []llm.Message, _ []llm.ToolSchema) (llm.Message, error) {
		if strings.Contains(msgs[0].Content, "对话总结助手") {
			summaryCalls++
			return llm.Message{Role: "assistant", Content: "早前对话的总结"}, nil
		}
		return llm.Message{Role: "assistant", Content: "ok"}, nil
	}}
	o := newOrchestrator(t, st, lc, nil)
	o.cfg.ContextMessageCount = 2

	conv := store.Conversation{UserID: 1, Title: "t"}
	_ = st.CreateConversation(ctx, &conv)
	for i := 0; i < 6; i++ {
		_ = st.CreateMessage(ctx, &store.Message{ConversationID: conv.ID, Role: "user", Content: fmt.Sprintf("旧消息%d", i)})
	}

	history := o.historyContext(ctx, conv.ID)
	if summaryCalls != 1 {
		t.Fatalf("expected one summary call, got %d", summaryCalls)
	}
	if !strings.Contains(history, "[对话历史总结] 早前对话的总结") {
		t.Fatalf("summary missing from history: %q", history)
	}
	if !strings.Contains(history, "旧消息4") || !strings.Contains(history, "旧消息5") {
		t.Fatalf("recent messages missing: %q", history)
	}
	if strings.Contains(history, "旧消息2") || strings.Contains(history, "旧消息3") {
		t.Fatalf("old messages should be summarised away")
	}
}
