package retrieve

import (
	"context"
	"fmt"
	"strings"

	"lorebase/internal/llm"
)

const expandSystemPrompt = "你只输出检索用的改写问句，每行一个，不要其他内容。"

// expandQuery asks the LLM for up to count paraphrases of the question,
// one per line.
func expandQuery(ctx context.Context, client llm.Client, query string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	if count > 3 {
		count = 3
	}
	prompt := fmt.Sprintf("请针对下面的用户问题，生成 %d 个意思相近的改写问句或子问题（用于文档检索）。\n"+
		"要求：每行一个问句，不要编号、不要解释，只输出问句。问句要简短，保留关键实体和意图。\n"+
		"用户问题：%s", count, query)
	reply, err := client.Chat(ctx, []llm.Message{
		{Role: "system", Content: expandSystemPrompt},
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(reply.Content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || startsWithListMarker(line) {
			continue
		}
		out = append(out, line)
		if len(out) == count {
			break
		}
	}
	return out, nil
}

func startsWithListMarker(line string) bool {
	for _, prefix := range []string{"1", "2", "3", "一", "二", "三", "-", "*"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
