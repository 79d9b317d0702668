package retrieval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/llm/llmtest"
	"github.com/seenimoa/zchatbot/internal/prompts"
	"github.com/seenimoa/zchatbot/internal/vectorstore"
)

// ── BM25 ──

func TestBM25RanksTermMatches(t *testing.T) {
	idx := NewBM25([]string{
		"Gold prices rallied as the dollar weakened",
		"The Fed held rates steady",
		"Gold gold gold: bullion demand from central banks",
		"",
	})
	assert.Equal(t, 4, idx.Len())

	hits := idx.Search("gold demand", 10)
	require.Len(t, hits, 2)
	assert.Equal(t, 2, hits[0].Index)
	assert.Equal(t, 0, hits[1].Index)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	assert.Empty(t, idx.Search("bitcoin", 10))
	assert.Len(t, idx.Search("gold", 1), 1)
}

func TestBM25Empty(t *testing.T) {
	idx := NewBM25(nil)
	assert.Empty(t, idx.Scores("anything"))
	assert.Empty(t, idx.Search("anything", 3))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"q3", "eps", "beat", "5", "2"}, Tokenize("Q3 EPS-beat: 5.2"))
}

// ── Shards ──

func writeShard(t *testing.T, dir, chunks, meta string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, chunksFile), []byte(chunks), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, metadataFile), []byte(meta), 0o644))
}

func TestLoadShard(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir,
		"Inflation cooled in March.\n\n  \n\nThe Fed signalled two cuts.\r\n\r\nGold hit a record.",
		`[{"source":"a.pdf","page":1},{"source":"a.pdf","page":2},{"source":"b.pdf","tags":["x"],"n":null}]`)

	s, err := LoadShard(dir)
	require.NoError(t, err)
	require.Len(t, s.Chunks, 3)
	assert.Equal(t, "The Fed signalled two cuts.", s.Chunks[1])
	assert.Equal(t, "2", s.Metadata[1]["page"])
	assert.Equal(t, `["x"]`, s.Metadata[2]["tags"])
	_, hasNull := s.Metadata[2]["n"]
	assert.False(t, hasNull)
}

func TestLoadShardErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadShard(dir)
	assert.ErrorIs(t, err, ErrShardMissing)

	writeShard(t, dir, "one\n\ntwo", `[{"source":"a"}]`)
	_, err = LoadShard(dir)
	assert.ErrorIs(t, err, ErrShardMismatch)
}

func TestShardSearcher(t *testing.T) {
	root := t.TempDir()
	writeShard(t, filepath.Join(root, "demo", "macro"),
		"Inflation cooled in March\n\nThe Fed signalled two rate cuts",
		`[{"source":"macro.pdf"},{"source":"macro.pdf"}]`)
	writeShard(t, filepath.Join(root, "demo", "metals", "2024"),
		"Gold hit a record as central banks bought\n\nSilver lagged gold",
		`[{"source":"metals.pdf"},{"source":"metals.pdf"}]`)
	// Broken shard is skipped.
	writeShard(t, filepath.Join(root, "demo", "broken"), "a\n\nb", `[]`)

	s := NewShardSearcher(root, "demo", 2, nil)
	shards, err := s.Shards(context.Background())
	require.NoError(t, err)
	assert.Len(t, shards, 2)

	hits, err := s.Search(context.Background(), "gold record")
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.LessOrEqual(t, len(hits), 2)
	assert.Contains(t, hits[0].Content, "Gold hit a record")
	assert.Equal(t, "metals", hits[0].Metadata["source_folder"])
	assert.Equal(t, "1", hits[0].Metadata["bm25_rank"])

	_, err = NewShardSearcher(root, "missing", 2, nil).Search(context.Background(), "x")
	assert.Error(t, err)
}

// ── Fusion / Dedup / Compress ──

func doc(content string) vectorstore.Document {
	return vectorstore.Document{ID: content, Content: content}
}

func TestFuse(t *testing.T) {
	dense := []vectorstore.Document{doc("a"), doc("b")}
	sparse := []vectorstore.Document{doc("c"), doc("a")}

	fused := Fuse(dense, sparse, DefaultFusion())
	require.Len(t, fused, 3)
	assert.Equal(t, "a", fused[0].Content)
	assert.InDelta(t, 1.0, fused[0].Score, 1e-9)
	assert.Equal(t, "b", fused[1].Content)
	assert.InDelta(t, 0.65, fused[1].Score, 1e-9)
	assert.Equal(t, "c", fused[2].Content)
	assert.True(t, fused[2].InSparse)

	top := Fuse(dense, sparse, FusionConfig{WDense: 0.2, WSparse: 0.8, TopK: 1})
	require.Len(t, top, 1)
	assert.Equal(t, "a", top[0].Content)

	assert.Equal(t, []vectorstore.Document{doc("a")}, Documents(top))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "revenue up 5.2% to $10m q3", Normalize("  Revenue UP 5.2% to $10M — Q3!! "))
	assert.Equal(t, "año récord - ventas", Normalize("Año récord - ventas"))
}

func TestDedup(t *testing.T) {
	docs := []vectorstore.Document{
		{Content: "Revenue grew 10% in Q3.", Metadata: map[string]string{"source": "a"}},
		{Content: "revenue   grew 10%  in Q3.!!", Metadata: map[string]string{"source": "a"}},
		{Content: "Revenue grew 10% in Q3.", Metadata: map[string]string{"source": "b"}},
		{Content: "Something else."},
	}
	out, removed := Dedup(docs, DedupMedium)
	assert.Equal(t, 1, removed)
	require.Len(t, out, 3)
	assert.Equal(t, "b", out[1].Metadata["source"])
}

func TestDedupCoreLength(t *testing.T) {
	base := strings.Repeat("lorem ipsum dolor sit amet ", 40) // about 1080 chars, no keywords
	a := vectorstore.Document{Content: base + "tail one"}
	b := vectorstore.Document{Content: base + "tail two"}

	// Long chunks share the first 400/750 normalized chars, so they collide.
	_, removed := Dedup([]vectorstore.Document{a, b}, DedupAggressive)
	assert.Equal(t, 1, removed)

	// Light keeps 1000 chars of core for long chunks: still a collision.
	_, removed = Dedup([]vectorstore.Document{a, b}, DedupLight)
	assert.Equal(t, 1, removed)

	// A preserve keyword makes the chunk important and extends the core.
	a.Content = "risk " + a.Content
	b.Content = "risk " + b.Content
	_, removed = Dedup([]vectorstore.Document{a, b}, DedupMedium)
	assert.Equal(t, 0, removed)
}

func TestDedupCoreCountsCharacters(t *testing.T) {
	// 390 characters but 520 bytes; the tails differ inside a 400 character core.
	base := strings.Repeat("ñandú ", 65)
	a := vectorstore.Document{Content: base + "alfa"}
	b := vectorstore.Document{Content: base + "beta"}

	assert.NotEqual(t, Fingerprint(a, DedupAggressive), Fingerprint(b, DedupAggressive))
	_, removed := Dedup([]vectorstore.Document{a, b}, DedupAggressive)
	assert.Equal(t, 0, removed)
}

func TestPresetFor(t *testing.T) {
	assert.Equal(t, "aggressive", PresetFor(KindBroad).Name)
	assert.Equal(t, "light", PresetFor(KindSpecific).Name)
	assert.Equal(t, "medium", PresetFor(KindFuzzy).Name)
}

func TestCompress(t *testing.T) {
	assert.Equal(t, NoContext, Compress(nil))
	assert.Equal(t, NoContext, Compress([]vectorstore.Document{doc("  ")}))
	assert.Equal(t, "a\n\n---\n\nb", Compress([]vectorstore.Document{doc("a"), doc(" a "), doc("b")}))
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("Gold rose. Why? Because rates fell!  Done")
	assert.Equal(t, []string{"Gold rose.", "Why?", "Because rates fell!", "Done"}, got)
}

func TestSentenceCompressor(t *testing.T) {
	c := &SentenceCompressor{Embedder: llmtest.NewEmbedder(), TopK: 1}
	d := vectorstore.Document{
		ID:       "x",
		Content:  "Bananas are yellow. Gold prices hit a record high. The weather was mild.",
		Metadata: map[string]string{"source": "n.txt"},
	}
	out := c.Compress(context.Background(), "gold prices record", []vectorstore.Document{d})
	require.Len(t, out, 1)
	assert.Equal(t, "Gold prices hit a record high.", out[0].Content)
	assert.Equal(t, "n.txt", out[0].Metadata["source"])

	failing := &SentenceCompressor{Embedder: &llmtest.Embedder{Err: errors.New("down")}}
	assert.Equal(t, []vectorstore.Document{d}, failing.Compress(context.Background(), "q", []vectorstore.Document{d}))
}

// ── Query stages ──

func TestClassifyRules(t *testing.T) {
	cases := map[string]Kind{
		"Summarize the dominant narratives": KindBroad,
		"List the main risks":               KindEnumeration,
		"Why did yields spike?":             KindAnalytical,
		"When did the Fed start hiking?":    KindTemporal,
		"What is Apple's gross margin?":     KindSpecific,
		"How much debt does Tesla carry?":   KindSpecific,
	}
	for q, want := range cases {
		got, ok := ClassifyRules(q)
		assert.True(t, ok, q)
		assert.Equal(t, want, got, q)
	}
	_, ok := ClassifyRules("tell me about bonds")
	assert.False(t, ok)
}

func TestClassifierLLMFallback(t *testing.T) {
	tpl := prompts.Builtins()[prompts.QueryClassify]

	c := &Classifier{Provider: llmtest.New(`{"type":"Analytical"}`), Template: tpl}
	assert.Equal(t, KindAnalytical, c.Classify(context.Background(), "tell me about bonds"))

	c = &Classifier{Provider: llmtest.New("temporal"), Template: tpl}
	assert.Equal(t, KindTemporal, c.Classify(context.Background(), "tell me about bonds"))

	c = &Classifier{Provider: llmtest.New(`{"type":"nonsense"}`), Template: tpl}
	assert.Equal(t, KindFuzzy, c.Classify(context.Background(), "tell me about bonds"))

	c = &Classifier{Provider: &llmtest.Provider{Err: llm.ErrProviderDown}, Template: tpl}
	assert.Equal(t, KindFuzzy, c.Classify(context.Background(), "tell me about bonds"))

	assert.Equal(t, KindFuzzy, (&Classifier{}).Classify(context.Background(), "tell me about bonds"))
}

func TestExpand(t *testing.T) {
	e := Expander{}
	assert.Equal(t, "bond yields", e.Expand("bond yields"))
	assert.Equal(t, "Gold and the Fed (federal reserve OR powell OR xau OR precious metal)", e.Expand("Gold and the Fed"))

	custom := Expander{Synonyms: []Synonym{{"eps", []string{"earnings per share"}}}}
	assert.Equal(t, "Q3 EPS (earnings per share)", custom.Expand("Q3 EPS"))
}

func TestRewriter(t *testing.T) {
	tpl := prompts.Builtins()[prompts.QueryRewrite]

	r := &Rewriter{Provider: llmtest.New(`"gold price drivers during 2024 rate cuts"`), Template: tpl}
	assert.Equal(t, "gold price drivers during 2024 rate cuts", r.Rewrite(context.Background(), "gold?"))

	short := &Rewriter{Provider: llmtest.New("gold price"), Template: tpl}
	assert.Equal(t, "gold?", short.Rewrite(context.Background(), "gold?"))

	failing := &Rewriter{Provider: &llmtest.Provider{Err: errors.New("x")}, Template: tpl}
	assert.Equal(t, "gold?", failing.Rewrite(context.Background(), "gold?"))

	var none *Rewriter
	assert.Equal(t, "gold?", none.Rewrite(context.Background(), "gold?"))
}

// ── Pipeline ──

type failingStore struct{ vectorstore.Store }

func (failingStore) Search(context.Context, string, string, int) ([]vectorstore.ScoredDocument, error) {
	return nil, errors.New("index offline")
}

func TestPipeline(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore(llmtest.NewEmbedder())
	require.NoError(t, store.Add(ctx, "demo", []vectorstore.Document{
		{ID: "1", Content: "Gold hit a record as central banks bought"},
		{ID: "2", Content: "Equities slipped on earnings worries"},
		{ID: "3", Content: "Oil fell on demand concerns"},
	}))

	root := t.TempDir()
	writeShard(t, filepath.Join(root, "demo", "metals"),
		"Gold hit a record as central banks bought\n\nGold miners outperformed",
		`[{"source":"m.pdf"},{"source":"m.pdf"}]`)

	p := NewPipeline(store, "demo",
		WithShardSearcher(NewShardSearcher(root, "demo", 12, nil)),
		WithDenseK(3),
		WithTopK(3))

	res, err := p.Retrieve(ctx, "What drove gold to a record?")
	require.NoError(t, err)
	assert.Equal(t, "What drove gold to a record? (xau OR precious metal)", res.Expanded)
	assert.Equal(t, KindSpecific, res.Kind)
	assert.Equal(t, 3, res.DenseHits)
	assert.Equal(t, 2, res.BM25Hits)
	require.Len(t, res.Docs, 3)
	// Found by both retrievers, so ranked first.
	assert.Equal(t, "Gold hit a record as central banks bought", res.Docs[0].Content)
}

func TestPipelineDegradesToOneRetriever(t *testing.T) {
	root := t.TempDir()
	writeShard(t, filepath.Join(root, "demo", "metals"), "Gold miners outperformed", `[{"source":"m.pdf"}]`)

	p := NewPipeline(failingStore{}, "demo", WithShardSearcher(NewShardSearcher(root, "demo", 5, nil)))
	res, err := p.Retrieve(context.Background(), "gold miners")
	require.NoError(t, err)
	require.Len(t, res.Docs, 1)
	assert.Zero(t, res.DenseHits)
}

func TestPipelineAllRetrieversFail(t *testing.T) {
	p := NewPipeline(failingStore{}, "demo")
	_, err := p.Retrieve(context.Background(), "gold")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index offline")
}
