// Package chat orchestrates a conversation turn: history assembly, RAG
// grounding, LLM invocation with an optional tool loop, and persistence
// of both sides of the exchange.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"lorebase/internal/cache"
	"lorebase/internal/config"
	"lorebase/internal/llm"
	"lorebase/internal/ratelimit"
	"lorebase/internal/retrieve"
	"lorebase/internal/store"
)

// ErrRateLimited rejects a turn before any expensive work.
var ErrRateLimited = errors.New("rate limit exceeded")

// apologyMessage is persisted when the LLM cannot produce an answer.
const apologyMessage = "抱歉，处理您的请求时遇到问题，请稍后重试。若未选择知识库，请确认您已创建知识库并添加了文件。"

// streamFailureToken is emitted when generation breaks mid-stream.
const streamFailureToken = "抱歉，生成回答时遇到问题，请稍后重试。"

// noHitNotice tells the model to be explicit when a selected KB has no
// matching content.
const noHitNotice = "[系统提示：未在所选知识库中检索到与用户问题相关的内容，请明确告知用户「未在知识库中找到相关内容」，并建议用户检查知识库是否已添加文档并完成切分。]"

// maxToolRounds bounds the tool-call loop.
const maxToolRounds = 5

// maxTitleChars is the derived conversation title length.
const maxTitleChars = 50

// ToolRunner exposes external MCP tools to the orchestrator.
type ToolRunner interface {
	Tools(ctx context.Context) []llm.ToolSchema
	Call(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Orchestrator runs chat turns.
type Orchestrator struct {
	store     store.Store
	engine    *retrieve.Engine
	llm       llm.Client
	cache     *cache.Cache
	limiter   *ratelimit.Limiter
	tools     ToolRunner
	cfg       config.ChatConfig
	threshold float64
	model     string
}

// New wires the orchestrator. cache, limiter, and tools may be nil.
func New(st store.Store, engine *retrieve.Engine, lc llm.Client, c *cache.Cache, l *ratelimit.Limiter, tools ToolRunner, cfg config.ChatConfig, confidenceThreshold float64, model string) *Orchestrator {
	return &Orchestrator{
		store:     st,
		engine:    engine,
		llm:       lc,
		cache:     c,
		limiter:   l,
		tools:     tools,
		cfg:       cfg,
		threshold: confidenceThreshold,
		model:     model,
	}
}

// turn carries the per-request state shared by the sync and streaming
// paths.
type turn struct {
	conv             store.Conversation
	userMessage      string
	ragContext       string // context as shown to the model, warnings included
	retrievedContext string // raw retrieved context, no system notices
	confidence       float64
	bestContext      string
	citations        []Citation
	hasRealRetrieval bool
	lowConfidence    bool
	systemPrompt     string
}

// prepare resolves the conversation, persists the user message, runs
// retrieval, and composes the system prompt.
func (o *Orchestrator) prepare(ctx context.Context, userID int64, message string, conversationID, kbID *int64) (*turn, error) {
	if o.limiter != nil {
		if ok, n, limit := o.limiter.AllowConversation(ctx, userID); !ok {
			return nil, fmt.Errorf("%w: %d of %d daily messages used", ErrRateLimited, n, limit)
		}
	}

	var conv store.Conversation
	if conversationID != nil {
		var err error
		conv, err = o.store.GetConversation(ctx, *conversationID, userID)
		if err != nil {
			return nil, err
		}
	} else {
		conv = store.Conversation{UserID: userID, KnowledgeBaseID: kbID, Title: deriveTitle(message)}
		if err := o.store.CreateConversation(ctx, &conv); err != nil {
			return nil, err
		}
		o.evict(ctx, userID)
	}

	userMsg := store.Message{ConversationID: conv.ID, Role: "user", Content: message}
	if err := o.store.CreateMessage(ctx, &userMsg); err != nil {
		return nil, err
	}

	t := &turn{conv: conv, userMessage: message}
	o.retrieveContext(ctx, t, userID, message, kbID)

	history := o.historyContext(ctx, conv.ID)
	t.systemPrompt = composeSystemPrompt(t.ragContext, history, t.lowConfidence)
	return t, nil
}

// retrieveContext fills the turn's RAG fields, degrading quietly when
// retrieval is impossible.
func (o *Orchestrator) retrieveContext(ctx context.Context, t *turn, userID int64, message string, kbID *int64) {
	if o.engine == nil {
		return
	}
	scope := retrieve.Scope{UserID: userID, KnowledgeBaseID: kbID}
	res, err := o.engine.Retrieve(ctx, scope, message, 10)
	if err != nil {
		log.Warn().Err(err).Msg("retrieval failed, continuing without context")
		res = retrieve.Result{}
	}
	t.retrievedContext = res.Context
	t.confidence = res.Confidence
	t.bestContext = res.BestContext
	t.citations = o.buildCitations(ctx, res.Chunks)
	t.hasRealRetrieval = strings.TrimSpace(res.Context) != "" || strings.TrimSpace(res.BestContext) != ""

	switch {
	case !t.hasRealRetrieval && kbID != nil:
		// A selected KB with no hits at all gets an explicit notice so
		// the model does not hallucinate KB content.
		t.ragContext = noHitNotice
	case t.hasRealRetrieval && res.Confidence < o.threshold:
		t.lowConfidence = true
		warning := fmt.Sprintf(
			"[系统提示：当前内部知识库检索结果的置信度为 %.2f，低于阈值 %.2f。请明确告知用户「当前内部知识库置信度比较低，将使用AI自身知识解答问题」，然后结合检索到的上下文（如有）和AI自身知识回答问题。]",
			res.Confidence, o.threshold)
		t.ragContext = warning + "\n\n" + res.Context
	default:
		t.ragContext = res.Context
	}
}

func composeSystemPrompt(ragContext, history string, lowConfidence bool) string {
	var b strings.Builder
	b.WriteString("你是一个有帮助的AI助手。请根据以下信息回答用户问题：")
	if ragContext != "" {
		if lowConfidence {
			b.WriteString("\n【知识库上下文（置信度较低，请结合AI自身知识）】\n")
		} else {
			b.WriteString("\n【知识库上下文】\n")
		}
		b.WriteString(ragContext)
	}
	if history != "" {
		b.WriteString("\n【对话历史】\n")
		b.WriteString(history)
	}
	b.WriteString("\n请基于以上信息回答用户问题，保持对话连贯性。")
	return b.String()
}

func deriveTitle(message string) string {
	return truncateRunes(strings.TrimSpace(message), maxTitleChars)
}

// evict trims the user's conversations down to the configured maximum.
func (o *Orchestrator) evict(ctx context.Context, userID int64) {
	if o.cfg.HistoryMaxCount <= 0 {
		return
	}
	n, err := o.store.EvictOldestConversations(ctx, userID, o.cfg.HistoryMaxCount)
	if err != nil {
		log.Warn().Err(err).Int64("user", userID).Msg("conversation eviction failed")
		return
	}
	if n > 0 {
		log.Debug().Int("evicted", n).Int64("user", userID).Msg("old conversations evicted")
	}
}

// buildCitations resolves file names for the selected chunks.
func (o *Orchestrator) buildCitations(ctx context.Context, chunks []store.Chunk) []Citation {
	if len(chunks) == 0 {
		return nil
	}
	idSet := map[int64]bool{}
	var fileIDs []int64
	for _, c := range chunks {
		if c.FileID != 0 && !idSet[c.FileID] {
			idSet[c.FileID] = true
			fileIDs = append(fileIDs, c.FileID)
		}
	}
	rows, err := o.store.GetFilesByIDs(ctx, fileIDs)
	if err != nil {
		log.Warn().Err(err).Msg("citation file lookup failed")
		rows = map[int64]store.File{}
	}
	var out []Citation
	for _, c := range chunks {
		name := fmt.Sprintf("file_%d", c.FileID)
		if f, ok := rows[c.FileID]; ok {
			name = f.OriginalFilename
		}
		out = append(out, Citation{
			FileID:           c.FileID,
			OriginalFilename: name,
			ChunkIndex:       c.ChunkIndex,
			Snippet:          truncateRunes(c.Content, 200),
		})
	}
	return out
}

// runToolLoop invokes the LLM, executing requested tools for up to
// maxToolRounds rounds until a text reply arrives.
func (o *Orchestrator) runToolLoop(ctx context.Context, t *turn, stream llm.StreamHandler) (string, error) {
	msgs := []llm.Message{
		{Role: "system", Content: t.systemPrompt},
		{Role: "user", Content: t.userMessage},
	}
	var tools []llm.ToolSchema
	if o.tools != nil {
		tools = o.tools.Tools(ctx)
	}

	var reply llm.Message
	var err error
	for round := 0; round < maxToolRounds; round++ {
		if stream != nil {
			reply, err = o.llm.ChatStream(ctx, msgs, tools, stream)
		} else {
			reply, err = o.llm.Chat(ctx, msgs, tools)
		}
		if err != nil {
			return "", err
		}
		if len(tools) == 0 || len(reply.ToolCalls) == 0 {
			return reply.Content, nil
		}
		msgs = append(msgs, reply)
		for _, tc := range reply.ToolCalls {
			result, err := o.tools.Call(ctx, tc.Name, tc.Args)
			if err != nil {
				result = fmt.Sprintf("[工具调用失败] %v", err)
			}
			msgs = append(msgs, llm.Message{Role: "tool", Content: result, ToolCallID: tc.ID})
		}
	}
	return reply.Content, nil
}

// persistAssistant writes the assistant message and bumps the
// conversation, returning the stored row.
func (o *Orchestrator) persistAssistant(ctx context.Context, t *turn, content string) store.Message {
	var confidence *float64
	if t.hasRealRetrieval {
		v := t.confidence
		confidence = &v
	}
	retrieved := ""
	if t.hasRealRetrieval && t.lowConfidence {
		retrieved = t.retrievedContext
	}
	msg := store.Message{
		ConversationID:       t.conv.ID,
		Role:                 "assistant",
		Content:              content,
		Tokens:               len(content) / 2,
		Model:                o.model,
		Confidence:           confidence,
		RetrievedContext:     retrieved,
		MaxConfidenceContext: t.bestContext,
		Sources:              marshalCitations(t.citations),
	}
	if err := o.store.CreateMessage(ctx, &msg); err != nil {
		log.Error().Err(err).Msg("assistant message persistence failed")
	}
	if t.conv.Title == "" {
		t.conv.Title = deriveTitle(t.userMessage)
	}
	if err := o.store.UpdateConversation(ctx, &t.conv); err != nil {
		log.Warn().Err(err).Msg("conversation bump failed")
	}
	if o.cache != nil {
		o.cache.InvalidateConversation(ctx, t.conv.UserID, t.conv.ID)
	}
	return msg
}

// Chat runs one synchronous turn.
func (o *Orchestrator) Chat(ctx context.Context, userID int64, message string, conversationID, kbID *int64) (Response, error) {
	t, err := o.prepare(ctx, userID, message, conversationID, kbID)
	if err != nil {
		return Response{}, err
	}

	content, llmErr := o.runToolLoop(ctx, t, nil)
	if llmErr != nil {
		log.Error().Err(llmErr).Msg("llm generation failed, persisting apology")
		content = apologyMessage
		t.hasRealRetrieval = false
		t.citations = nil
	}
	msg := o.persistAssistant(ctx, t, content)

	resp := Response{
		ConversationID:       t.conv.ID,
		Message:              content,
		Tokens:               msg.Tokens,
		Model:                msg.Model,
		CreatedAt:            time.Now().UTC(),
		Confidence:           msg.Confidence,
		MaxConfidenceContext: t.bestContext,
		Sources:              t.citations,
	}
	if t.hasRealRetrieval && t.lowConfidence {
		resp.RetrievedContext = t.retrievedContext
	}
	return resp, nil
}

// ChatStream runs one streaming turn. Token events arrive first, then a
// single done event. If the client disconnects (context cancellation),
// generation stops, the partial assistant message is persisted, and no
// done event is emitted.
func (o *Orchestrator) ChatStream(ctx context.Context, userID int64, message string, conversationID, kbID *int64) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)

		emit := func(ev StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		t, err := o.prepare(ctx, userID, message, conversationID, kbID)
		if err != nil {
			emit(StreamEvent{Type: "error", Message: err.Error()})
			return
		}

		var produced strings.Builder
		handler := llm.StreamFunc(func(delta string) {
			produced.WriteString(delta)
			emit(StreamEvent{Type: "token", Content: delta})
		})

		content, llmErr := o.runToolLoop(ctx, t, handler)
		disconnected := ctx.Err() != nil

		if disconnected {
			// Persist whatever made it out before the client went away.
			o.persistAssistant(context.WithoutCancel(ctx), t, produced.String())
			return
		}
		if llmErr != nil {
			log.Error().Err(llmErr).Msg("stream generation failed")
			emit(StreamEvent{Type: "token", Content: streamFailureToken})
			content = produced.String() + streamFailureToken
		} else if content == "" {
			content = produced.String()
		}
		msg := o.persistAssistant(ctx, t, content)
		emit(StreamEvent{
			Type:           "done",
			ConversationID: t.conv.ID,
			Confidence:     msg.Confidence,
			Sources:        t.citations,
		})
	}()
	return out
}

// Conversations lists a page of the user's conversations through the
// short-TTL cache.
func (o *Orchestrator) Conversations(ctx context.Context, userID int64, page, pageSize int) ([]store.Conversation, int, error) {
	type cached struct {
		Conversations []store.Conversation `json:"conversations"`
		Total         int                  `json:"total"`
	}
	key := cache.KeyConvList(userID, page, pageSize)
	if o.cache != nil {
		var c cached
		if o.cache.Get(ctx, key, &c) {
			return c.Conversations, c.Total, nil
		}
	}
	convs, total, err := o.store.ListConversations(ctx, userID, page, pageSize)
	if err != nil {
		return nil, 0, err
	}
	if o.cache != nil {
		o.cache.Set(ctx, key, cached{Conversations: convs, Total: total}, o.cache.TTLConv())
	}
	return convs, total, nil
}

// Messages returns a conversation's messages after an ownership check.
func (o *Orchestrator) Messages(ctx context.Context, conversationID, userID int64, limit int) ([]store.Message, error) {
	if _, err := o.store.GetConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return o.store.ListMessages(ctx, conversationID, limit)
}

// DeleteConversation removes a conversation and its messages.
func (o *Orchestrator) DeleteConversation(ctx context.Context, conversationID, userID int64) error {
	if err := o.store.DeleteConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	if o.cache != nil {
		o.cache.InvalidateConversation(ctx, userID, conversationID)
	}
	return nil
}
