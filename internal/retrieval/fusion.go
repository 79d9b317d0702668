package retrieval

import (
	"sort"

	"github.com/seenimoa/zchatbot/internal/vectorstore"
)

// FusionConfig weights the dense and sparse result lists.
type FusionConfig struct {
	WDense  float64
	WSparse float64
	TopK    int
}

// DefaultFusion returns weights 0.65 / 0.35 and ten results.
func DefaultFusion() FusionConfig {
	return FusionConfig{WDense: 0.65, WSparse: 0.35, TopK: 10}
}

// Fused is a document found by at least one retriever.
type Fused struct {
	vectorstore.Document
	InDense  bool    `json:"in_dense"`
	InSparse bool    `json:"in_sparse"`
	Score    float64 `json:"score"`
}

// Fuse merges dense and sparse hits keyed by content. Presence in a list
// contributes that list's weight; rank within a list is ignored. Ties keep
// dense-first insertion order.
func Fuse(dense, sparse []vectorstore.Document, cfg FusionConfig) []Fused {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultFusion().TopK
	}
	index := make(map[string]int, len(dense)+len(sparse))
	var merged []Fused

	for _, d := range dense {
		if i, ok := index[d.Content]; ok {
			merged[i].InDense = true
			continue
		}
		index[d.Content] = len(merged)
		merged = append(merged, Fused{Document: d, InDense: true})
	}
	for _, d := range sparse {
		if i, ok := index[d.Content]; ok {
			merged[i].InSparse = true
			continue
		}
		index[d.Content] = len(merged)
		merged = append(merged, Fused{Document: d, InSparse: true})
	}

	for i := range merged {
		if merged[i].InDense {
			merged[i].Score += cfg.WDense
		}
		if merged[i].InSparse {
			merged[i].Score += cfg.WSparse
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > cfg.TopK {
		merged = merged[:cfg.TopK]
	}
	return merged
}

// Documents strips the fusion scores.
func Documents(fused []Fused) []vectorstore.Document {
	out := make([]vectorstore.Document, len(fused))
	for i, f := range fused {
		out[i] = f.Document
	}
	return out
}
