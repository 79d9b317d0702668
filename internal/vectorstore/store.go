// Package vectorstore stores document chunks with their embeddings, grouped
// by bot profile, and answers nearest-neighbour queries over them.
package vectorstore

import (
	"context"
	"errors"
	"math"
	"sort"
)

var (
	ErrNoEmbedder   = errors.New("vectorstore: no embedder configured")
	ErrDimMismatch  = errors.New("vectorstore: embedding dimension mismatch")
	ErrEmptyProfile = errors.New("vectorstore: profile is required")
)

// Document is a chunk of text with string metadata (source, path, page).
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ScoredDocument is a search hit. Distance is the squared L2 distance to the query;
// Score is 1/(1+Distance), so higher is better and 1 is an exact match.
type ScoredDocument struct {
	Document
	Distance float64 `json:"distance"`
	Score    float64 `json:"score"`
}

// Store is a profile-partitioned vector index.
type Store interface {
	Add(ctx context.Context, profile string, docs []Document) error
	Search(ctx context.Context, profile, query string, k int) ([]ScoredDocument, error)
	Documents(ctx context.Context, profile string) ([]Document, error)
	Count(ctx context.Context, profile string) (int, error)
	DeleteProfile(ctx context.Context, profile string) error
	Close() error
}

// Embedder turns texts into vectors. llm.Embedder satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Score converts a squared L2 distance into a relevance score in (0, 1].
func Score(distance float64) float64 {
	return 1 / (1 + distance)
}

// L2Squared returns the squared Euclidean distance between a and b, the
// value a flat L2 index reports.
func L2Squared(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimMismatch
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum, nil
}

// Cosine returns the cosine similarity of a and b, 0 when either is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type vectorRow struct {
	doc Document
	vec []float32
}

// rank returns the k rows closest to query, best first. Rows whose
// dimension differs from the query are skipped.
func rank(query []float32, rows []vectorRow, k int) []ScoredDocument {
	hits := make([]ScoredDocument, 0, len(rows))
	for _, r := range rows {
		d, err := L2Squared(query, r.vec)
		if err != nil {
			continue
		}
		hits = append(hits, ScoredDocument{Document: r.doc, Distance: d, Score: Score(d)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
