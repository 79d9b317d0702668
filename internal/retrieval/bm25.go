// Package retrieval implements the multi-stage retrieval pipeline used by the
// reranked RAG bot: query rewriting and expansion, dense and BM25 search over
// sharded corpora, weighted fusion, deduplication and context compression.
package retrieval

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// BM25 is an Okapi BM25 index over a fixed set of texts.
type BM25 struct {
	K1 float64
	B  float64

	docs  [][]string
	tf    []map[string]int
	df    map[string]int
	avgdl float64
}

// Hit is a scored position in the indexed corpus.
type Hit struct {
	Index int
	Score float64
}

// NewBM25 indexes texts with k1 = 1.5 and b = 0.75.
func NewBM25(texts []string) *BM25 {
	idx := &BM25{
		K1:   1.5,
		B:    0.75,
		docs: make([][]string, len(texts)),
		tf:   make([]map[string]int, len(texts)),
		df:   make(map[string]int),
	}
	var total int
	for i, t := range texts {
		toks := Tokenize(t)
		idx.docs[i] = toks
		total += len(toks)

		freq := make(map[string]int, len(toks))
		for _, tok := range toks {
			freq[tok]++
		}
		idx.tf[i] = freq
		for tok := range freq {
			idx.df[tok]++
		}
	}
	if len(texts) > 0 {
		idx.avgdl = float64(total) / float64(len(texts))
	}
	return idx
}

// Len returns the number of indexed texts.
func (b *BM25) Len() int { return len(b.docs) }

// idf uses the non-negative Lucene variant so that very common terms never
// push a score below zero.
func (b *BM25) idf(term string) float64 {
	n := float64(b.df[term])
	N := float64(len(b.docs))
	return math.Log(1 + (N-n+0.5)/(n+0.5))
}

// Scores returns the BM25 score of every indexed text for query.
func (b *BM25) Scores(query string) []float64 {
	scores := make([]float64, len(b.docs))
	if len(b.docs) == 0 {
		return scores
	}
	terms := Tokenize(query)
	for i, doc := range b.docs {
		dl := float64(len(doc))
		var s float64
		for _, term := range terms {
			f := float64(b.tf[i][term])
			if f == 0 {
				continue
			}
			norm := b.K1 * (1 - b.B + b.B*dl/b.avgdl)
			s += b.idf(term) * f * (b.K1 + 1) / (f + norm)
		}
		scores[i] = s
	}
	return scores
}

// Search returns the k best-scoring texts with a positive score, best first.
func (b *BM25) Search(query string, k int) []Hit {
	scores := b.Scores(query)
	hits := make([]Hit, 0, len(scores))
	for i, s := range scores {
		if s > 0 {
			hits = append(hits, Hit{Index: i, Score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Tokenize lowercases text and splits it on anything that is not a letter or
// digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
