package retrieval

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/vectorstore"
)

// NoContext is the context text used when retrieval found nothing.
const NoContext = "No relevant context retrieved."

const contextSeparator = "\n\n---\n\n"

// Compress joins the distinct, non-empty document contents into one context
// block.
func Compress(docs []vectorstore.Document) string {
	seen := make(map[string]struct{}, len(docs))
	var parts []string
	for _, d := range docs {
		c := strings.TrimSpace(d.Content)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		parts = append(parts, c)
	}
	if len(parts) == 0 {
		return NoContext
	}
	return strings.Join(parts, contextSeparator)
}

var sentenceEndRe = regexp.MustCompile(`[.!?]\s+`)

// SplitSentences splits after ., ! or ? followed by whitespace.
func SplitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEndRe.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[last : loc[0]+1]); s != "" {
			out = append(out, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		out = append(out, s)
	}
	return out
}

// SentenceCompressor reduces each document to its TopK sentences most
// similar to the query.
type SentenceCompressor struct {
	Embedder vectorstore.Embedder
	TopK     int
	Logger   *zap.Logger
}

// Compress returns compressed copies of docs. Sentence order in the output
// follows similarity. On embedding failure the input is returned unchanged.
func (c *SentenceCompressor) Compress(ctx context.Context, query string, docs []vectorstore.Document) []vectorstore.Document {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	k := c.TopK
	if k <= 0 {
		k = 3
	}
	if c.Embedder == nil || len(docs) == 0 {
		return docs
	}

	qv, err := c.Embedder.Embed(ctx, []string{query})
	if err != nil || len(qv) != 1 {
		logger.Warn("compression skipped", zap.Error(err))
		return docs
	}

	out := make([]vectorstore.Document, 0, len(docs))
	for _, d := range docs {
		sents := SplitSentences(d.Content)
		if len(sents) <= k {
			out = append(out, d)
			continue
		}
		vecs, err := c.Embedder.Embed(ctx, sents)
		if err != nil || len(vecs) != len(sents) {
			logger.Warn("compression skipped", zap.Error(err))
			return docs
		}

		type scored struct {
			sim  float64
			text string
		}
		ranked := make([]scored, len(sents))
		for i, s := range sents {
			ranked[i] = scored{sim: vectorstore.Cosine(qv[0], vecs[i]), text: s}
		}
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })

		top := make([]string, 0, k)
		for _, r := range ranked[:k] {
			top = append(top, r.text)
		}
		meta := make(map[string]string, len(d.Metadata))
		for key, v := range d.Metadata {
			meta[key] = v
		}
		out = append(out, vectorstore.Document{ID: d.ID, Content: strings.Join(top, "\n"), Metadata: meta})
	}
	logger.Debug("compression done", zap.Int("docs", len(out)))
	return out
}
