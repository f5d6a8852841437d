// Package ocr extracts searchable text from images through a vision LLM:
// a transcription when the image contains text, otherwise a single-paragraph
// scene description.
package ocr

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"lorebase/internal/llm"
)

// Placeholder is indexed when the model cannot produce usable output, so
// the image still participates in retrieval.
const Placeholder = "图片内容描述：纯图无文字，请根据视觉信息检索。"

const extractPrompt = "请根据图片内容完成以下其一（只输出结果，不要解释）：\n" +
	"1. 若图中有文字：提取图中全部文字，并简要说明文字所在位置或含义。\n" +
	"2. 若图中没有文字：用一段话描述图片（场景、主体、颜色、风格等），便于后续检索。\n" +
	"要求：只输出一段文字，不要重复同一段内容，不要输出「图中没有文字」等无效句。"

const describePrompt = "请用一句话描述这张图片的内容（场景、主体、颜色等），用于检索。不要重复句子。"

// Client turns image bytes into retrieval text.
type Client interface {
	OCR(ctx context.Context, data []byte, format string) (string, error)
}

type visionClient struct {
	llm   llm.Client
	model string
}

// New builds the OCR client on top of the shared LLM client. model selects
// the vision model used for OCR calls.
func New(l llm.Client, model string) Client {
	return &visionClient{llm: l, model: model}
}

func mimeFor(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "png":
		return "image/png"
	default:
		return "image/jpeg"
	}
}

func (c *visionClient) OCR(ctx context.Context, data []byte, format string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeFor(format), base64.StdEncoding.EncodeToString(data))

	raw, err := c.llm.Vision(ctx, c.model, dataURL, extractPrompt)
	if err != nil {
		return "", fmt.Errorf("ocr vision call: %w", err)
	}
	if out := Normalize(raw); !degenerate(out) {
		return out, nil
	}
	log.Debug().Int("raw_len", len(raw)).Msg("ocr first round degenerate, retrying with description prompt")

	raw, err = c.llm.Vision(ctx, c.model, dataURL, describePrompt)
	if err != nil {
		return Placeholder, nil
	}
	if out := Normalize(raw); !degenerate(out) {
		return out, nil
	}
	return Placeholder, nil
}

// degenerate reports output too thin to index: empty, a bare "0", or a
// couple of digits.
func degenerate(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	if len(s) <= 3 {
		for _, r := range s {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	}
	return false
}

var noTextPhrases = []string{"没有文字", "无文字", "图中没有", "图片中没有", "无文字内容", "不含文字"}

const descMarker = "图片内容描述："

// Normalize collapses a raw model reply into a single paragraph without
// repeated sentences or "no text" disclaimers, ending in a terminator.
func Normalize(raw string) string {
	t := strings.TrimSpace(raw)
	if t == "" {
		return ""
	}
	// A short reply that is only a "no text" disclaimer carries nothing
	// worth indexing.
	if len([]rune(t)) < 80 {
		for _, kw := range noTextPhrases {
			if strings.Contains(t, kw) {
				return ""
			}
		}
	}
	// The description marker repeated on one line: keep the first block.
	if idx := strings.Index(t, descMarker); idx >= 0 {
		if idx2 := strings.Index(t[idx+len(descMarker):], descMarker); idx2 >= 0 {
			t = strings.TrimRight(strings.TrimSpace(t[:idx+len(descMarker)+idx2]), "。") + "。"
		}
	}
	// Every line starting with the marker: keep the first line only.
	lines := splitNonEmptyLines(t)
	if len(lines) >= 2 {
		all := true
		for _, ln := range lines {
			if !strings.HasPrefix(ln, descMarker) && !strings.HasPrefix(ln, "「"+descMarker+"」") {
				all = false
				break
			}
		}
		if all {
			return lines[0]
		}
	}
	// Deduplicate identical sentences.
	parts := strings.FieldsFunc(t, func(r rune) bool {
		return r == '。' || r == '！' || r == '？'
	})
	var unique []string
	seen := map[string]bool{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		unique = append(unique, p)
	}
	if len(unique) == 0 {
		return t
	}
	joined := strings.Join(unique, "。")
	if !strings.HasSuffix(joined, "。") {
		joined += "。"
	}
	return joined
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
	}
	return out
}
