// Package retrieval implements hybrid vector+BM25 scoring over scoped
// rule and scenario catalogues, score normalisation, and the adaptive
// cut-off strategies that decide how many candidates continue into
// filtering.
package retrieval

import (
	"math"
	"strings"
)

// Okapi BM25 defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// tokenize lowercases and splits on non-letter/digit boundaries.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}

// BM25 scores a query against a document corpus with Okapi BM25. The
// corpus is the set of eligible candidates for one scope; scores are
// raw (unnormalised, >= 0).
type BM25 struct {
	docs    [][]string
	df      map[string]int
	avgLen  float64
}

// NewBM25 indexes the corpus.
func NewBM25(corpus []string) *BM25 {
	b := &BM25{df: make(map[string]int)}
	var totalLen int
	for _, doc := range corpus {
		toks := tokenize(doc)
		b.docs = append(b.docs, toks)
		totalLen += len(toks)
		seen := make(map[string]bool, len(toks))
		for _, t := range toks {
			if !seen[t] {
				b.df[t]++
				seen[t] = true
			}
		}
	}
	if len(corpus) > 0 {
		b.avgLen = float64(totalLen) / float64(len(corpus))
	}
	return b
}

// Scores returns the BM25 score of query against every corpus document.
func (b *BM25) Scores(query string) []float64 {
	scores := make([]float64, len(b.docs))
	if len(b.docs) == 0 {
		return scores
	}
	n := float64(len(b.docs))
	for _, term := range tokenize(query) {
		df, ok := b.df[term]
		if !ok {
			continue
		}
		idf := math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1)
		for i, doc := range b.docs {
			tf := 0.0
			for _, t := range doc {
				if t == term {
					tf++
				}
			}
			if tf == 0 {
				continue
			}
			denom := tf + bm25K1*(1-bm25B+bm25B*float64(len(doc))/b.avgLen)
			scores[i] += idf * tf * (bm25K1 + 1) / denom
		}
	}
	return scores
}
