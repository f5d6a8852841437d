package chat

import (
	"context"
	"fmt"
	"strings"

	"lorebase/internal/llm"
	"lorebase/internal/store"
)

const summarySystemPrompt = "你是对话总结助手。输出简洁的总结，便于后续回答时保持上下文连贯。"

// maxSummaryChars caps the history summary length.
const maxSummaryChars = 600

// perMessageSummaryChars caps how much of each old message feeds the
// summary prompt.
const perMessageSummaryChars = 300

// historyContext renders the conversation history: the last N messages
// verbatim, with anything older collapsed into one LLM summary line.
func (o *Orchestrator) historyContext(ctx context.Context, conversationID int64) string {
	n := o.cfg.ContextMessageCount
	messages, err := o.store.ListRecentMessages(ctx, conversationID, n*2)
	if err != nil || len(messages) == 0 {
		return ""
	}
	summary := ""
	if len(messages) > n {
		summary = o.summarize(ctx, messages[:len(messages)-n])
		messages = messages[len(messages)-n:]
	}
	var lines []string
	if summary != "" {
		lines = append(lines, fmt.Sprintf("[对话历史总结] %s", summary))
	}
	for _, m := range messages {
		role := "助手"
		if m.Role == "user" {
			role = "用户"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", role, m.Content))
	}
	return strings.Join(lines, "\n\n")
}

// summarize asks the LLM for a short digest of the older tail. Failures
// degrade to no summary rather than failing the turn.
func (o *Orchestrator) summarize(ctx context.Context, old []store.Message) string {
	if o.llm == nil || len(old) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("请简要总结以下对话历史，保留：1）用户主要问题与已得到的结论；2）关键事实或数据；3）未解决或待延续的话题。\n\n")
	for _, m := range old {
		role := "助手"
		if m.Role == "user" {
			role = "用户"
		}
		b.WriteString(fmt.Sprintf("%s: %s\n", role, truncateRunes(m.Content, perMessageSummaryChars)))
	}
	reply, err := o.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: b.String()},
	}, nil)
	if err != nil {
		return ""
	}
	return truncateRunes(strings.TrimSpace(reply.Content), maxSummaryChars)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
