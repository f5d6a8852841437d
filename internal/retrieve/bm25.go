package retrieve

import (
	"math"
	"sort"
	"strings"
)

// BM25 constants; the usual defaults for short passage ranking.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// ScoredDoc pairs a candidate index with its lexical score.
type ScoredDoc struct {
	Index int
	Score float64
}

// BM25Scores ranks candidate documents against the query terms. Document
// length is measured in bytes of content, which tracks CJK text closely
// enough for length normalisation.
func BM25Scores(query string, docs []string) []ScoredDoc {
	scored := make([]ScoredDoc, len(docs))
	for i := range docs {
		scored[i] = ScoredDoc{Index: i}
	}
	if len(docs) == 0 {
		return scored
	}
	qTerms := Tokenize(query)
	if len(qTerms) == 0 {
		return scored
	}

	n := float64(len(docs))
	var totalLen float64
	docLens := make([]float64, len(docs))
	docTFs := make([]map[string]int, len(docs))
	for i, d := range docs {
		docLens[i] = float64(len(d))
		totalLen += docLens[i]
		tf := map[string]int{}
		for _, t := range Tokenize(d) {
			tf[t]++
		}
		docTFs[i] = tf
	}
	avgdl := totalLen / n
	if avgdl <= 0 {
		return scored
	}

	idf := make(map[string]float64, len(qTerms))
	for _, t := range qTerms {
		df := 0
		for _, tf := range docTFs {
			if tf[t] > 0 {
				df++
			}
		}
		idf[t] = math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1.0)
	}

	for i := range docs {
		var s float64
		for _, t := range qTerms {
			f := float64(docTFs[i][t])
			if f == 0 {
				continue
			}
			s += idf[t] * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*docLens[i]/avgdl))
		}
		scored[i].Score = s
	}
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })
	return scored
}

// KeywordCountScores is the simpler lexical scorer used when BM25 is
// disabled: the number of query keywords contained in each document.
func KeywordCountScores(keywords []string, docs []string) []ScoredDoc {
	scored := make([]ScoredDoc, len(docs))
	for i, d := range docs {
		scored[i] = ScoredDoc{Index: i}
		lower := strings.ToLower(d)
		for _, kw := range keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				scored[i].Score++
			}
		}
	}
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })
	return scored
}
