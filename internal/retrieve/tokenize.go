// Package retrieve implements hybrid retrieval: multi-query expansion,
// dense vector search, lexical BM25, reciprocal rank fusion, cross-encoder
// reranking, and neighbour-chunk window expansion.
package retrieve

import (
	"strings"
	"unicode"
)

// chineseStopWords are dropped from lexical queries; they match almost
// every chunk and drown out the discriminative terms.
var chineseStopWords = map[string]bool{
	"的": true, "了": true, "是": true, "在": true, "和": true, "与": true,
	"或": true, "及": true, "等": true, "之": true, "为": true, "有": true,
	"被": true, "把": true, "对": true, "从": true, "到": true,
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Tokenize splits text into CJK runs and ASCII word runs of at least two
// characters, dropping stop words and absurdly long digit strings.
func Tokenize(text string) []string {
	var tokens []string
	var cur []rune
	curCJK := false
	flush := func() {
		if len(cur) == 0 {
			return
		}
		t := string(cur)
		cur = nil
		if len([]rune(t)) < 2 {
			return
		}
		if chineseStopWords[t] {
			return
		}
		if isDigits(t) && len(t) > 20 {
			return
		}
		tokens = append(tokens, strings.ToLower(t))
	}
	for _, r := range text {
		switch {
		case isCJK(r):
			if !curCJK {
				flush()
				curCJK = true
			}
			cur = append(cur, r)
		case isWordRune(r):
			if curCJK {
				flush()
				curCJK = false
			}
			cur = append(cur, r)
		default:
			flush()
			curCJK = false
		}
	}
	flush()
	return tokens
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// maxLikeKeywords caps how many keywords go into the SQL LIKE candidate
// query.
const maxLikeKeywords = 8

// QueryKeywords extracts up to maxLikeKeywords terms for the lexical
// candidate pool. Falls back to the raw query when tokenisation yields
// nothing.
func QueryKeywords(query string) []string {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		if q := strings.TrimSpace(query); q != "" {
			return []string{q}
		}
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == maxLikeKeywords {
			break
		}
	}
	return out
}
