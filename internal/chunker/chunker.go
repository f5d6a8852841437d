// Package chunker splits extracted text into ordered, semantically
// coherent chunks with overlap and a bounded expansion ceiling.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// Options controls chunk sizing. Size and Overlap are measured in
// characters; MaxExpandRatio bounds how far a chunk may exceed Size to
// keep a sentence whole.
type Options struct {
	Size           int
	Overlap        int
	MaxExpandRatio float64
}

// DefaultMaxExpandRatio is applied when the option is unset.
const DefaultMaxExpandRatio = 1.3

// Chunk splits text into chunks. Sentences are never cut mid-sentence
// except when a single sub-sentence exceeds the expansion ceiling.
func Chunk(text string, opt Options) []string {
	if strings.TrimSpace(text) == "" || opt.Size <= 0 {
		return nil
	}
	ratio := opt.MaxExpandRatio
	if ratio <= 0 {
		ratio = DefaultMaxExpandRatio
	}
	maxChunk := int(float64(opt.Size) * ratio)

	sentences := splitSentences(text)
	// Text without a single terminator has no sentence structure to keep.
	if strings.IndexFunc(text, isTerminator) < 0 {
		sentences = nil
	}
	if len(sentences) == 0 {
		paragraphs := splitParagraphs(text)
		if len(paragraphs) <= 1 {
			return slidingWindow(text, opt.Size, opt.Overlap)
		}
		sentences = paragraphs
	}

	var (
		chunks  []string
		current []string
		curLen  int
	)
	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, strings.Join(current, " "))
			current = nil
			curLen = 0
		}
	}

	for _, sentence := range sentences {
		sl := utf8.RuneCountInString(sentence)

		// A single sentence beyond the ceiling is split further on
		// commas and semicolons.
		if sl > maxChunk {
			flush()
			for _, sub := range splitSubSentences(sentence) {
				subLen := utf8.RuneCountInString(sub)
				if curLen+subLen <= maxChunk {
					current = append(current, sub)
					curLen += subLen + 1
					continue
				}
				flush()
				if subLen > maxChunk {
					chunks = append(chunks, sub)
					continue
				}
				current = []string{sub}
				curLen = subLen
			}
			continue
		}

		sep := 0
		if len(current) > 0 {
			sep = 1
		}
		newLen := curLen + sl + sep
		switch {
		case newLen <= opt.Size:
			current = append(current, sentence)
			curLen = newLen
		case newLen <= maxChunk:
			// Past the target but within the ceiling: keep the sentence
			// with its chunk.
			current = append(current, sentence)
			curLen = newLen
		default:
			overlapSentences, overlapLen := trailingOverlap(current, opt.Overlap)
			flush()
			current = append(overlapSentences, sentence)
			curLen = overlapLen + sl + len(overlapSentences)
		}
	}
	flush()
	return chunks
}

// trailingOverlap takes sentences from the tail of a closing chunk, newest
// last, totalling at most overlap chars. Single-sentence chunks seed no
// overlap.
func trailingOverlap(current []string, overlap int) ([]string, int) {
	if len(current) <= 1 || overlap <= 0 {
		return nil, 0
	}
	var picked []string
	total := 0
	for i := len(current) - 1; i >= 0; i-- {
		sl := utf8.RuneCountInString(current[i])
		if total+sl > overlap {
			break
		}
		picked = append([]string{current[i]}, picked...)
		total += sl + 1
	}
	return picked, total
}

func isTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '.', '!', '?', '\n':
		return true
	}
	return false
}

// splitSentences splits on CJK and ASCII sentence terminators and
// newlines, keeping terminators attached to their sentences.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); {
		if !isTerminator(runes[i]) {
			cur.WriteRune(runes[i])
			i++
			continue
		}
		j := i
		for j < len(runes) && isTerminator(runes[j]) {
			j++
		}
		term := strings.TrimSpace(string(runes[i:j]))
		if s := strings.TrimSpace(cur.String()); s != "" {
			sentences = append(sentences, s+term)
		}
		cur.Reset()
		i = j
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitSubSentences(sentence string) []string {
	parts := strings.FieldsFunc(sentence, func(r rune) bool {
		switch r {
		case '，', '；', ',', ';':
			return true
		}
		return false
	})
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// slidingWindow is the last-resort fixed-size split for text with no
// sentence or paragraph structure.
func slidingWindow(text string, size, overlap int) []string {
	runes := []rune(text)
	if overlap < 0 {
		overlap = 0
	}
	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		next := end - overlap
		if next <= start {
			next = end
		}
		if next >= len(runes) {
			break
		}
		start = next
	}
	return chunks
}
