package vectorstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seenimoa/zchatbot/internal/llm/llmtest"
)

func stores(t *testing.T, e Embedder) map[string]Store {
	t.Helper()
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "v.db"), e, WithBatchSize(2))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemoryStore(e, WithBatchSize(2)),
	}
}

func sampleDocs() []Document {
	return []Document{
		{ID: "1", Content: "Apple revenue grew in the quarter", Metadata: map[string]string{"path": "a.txt"}},
		{ID: "2", Content: "Tesla deliveries fell sharply", Metadata: map[string]string{"path": "b.txt"}},
		{ID: "3", Content: "Bond yields rose after the Fed meeting", Metadata: map[string]string{"path": "c.txt"}},
	}
}

func TestStoreAddSearch(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t, llmtest.NewEmbedder()) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Add(ctx, "demo", sampleDocs()))

			n, err := s.Count(ctx, "demo")
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			hits, err := s.Search(ctx, "demo", "Tesla deliveries fell sharply", 2)
			require.NoError(t, err)
			require.Len(t, hits, 2)
			assert.Equal(t, "2", hits[0].ID)
			assert.InDelta(t, 1.0, hits[0].Score, 1e-6, "identical text scores 1")
			assert.Equal(t, "b.txt", hits[0].Metadata["path"])
			assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
		})
	}
}

func TestStoreProfilesAreIsolated(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t, llmtest.NewEmbedder()) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Add(ctx, "a", sampleDocs()[:1]))
			require.NoError(t, s.Add(ctx, "b", sampleDocs()[1:]))

			hits, err := s.Search(ctx, "a", "Tesla", 5)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "1", hits[0].ID)

			require.NoError(t, s.DeleteProfile(ctx, "b"))
			n, _ := s.Count(ctx, "b")
			assert.Zero(t, n)
		})
	}
}

func TestStoreUpsert(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t, llmtest.NewEmbedder()) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Add(ctx, "p", sampleDocs()))
			require.NoError(t, s.Add(ctx, "p", []Document{{ID: "1", Content: "replaced"}}))

			docs, err := s.Documents(ctx, "p")
			require.NoError(t, err)
			assert.Len(t, docs, 3)

			var found bool
			for _, d := range docs {
				if d.ID == "1" {
					found = true
					assert.Equal(t, "replaced", d.Content)
				}
			}
			assert.True(t, found)
		})
	}
}

func TestStoreEmbedError(t *testing.T) {
	e := &llmtest.Embedder{Err: errors.New("boom")}
	for name, s := range stores(t, e) {
		t.Run(name, func(t *testing.T) {
			err := s.Add(context.Background(), "p", sampleDocs())
			require.Error(t, err)
		})
	}
}

func TestStoreRequiresProfile(t *testing.T) {
	for name, s := range stores(t, llmtest.NewEmbedder()) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Add(context.Background(), "", sampleDocs()), ErrEmptyProfile)
		})
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "v.db")
	e := llmtest.NewEmbedder()

	s, err := NewSQLiteStore(path, e)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, "p", sampleDocs()))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, e)
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Count(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	profiles, err := s.Profiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, profiles)
}

// ── Math ──

func TestScoreAndDistance(t *testing.T) {
	d, err := L2Squared([]float32{0, 0}, []float32{3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 25.0, d, 1e-9)
	assert.InDelta(t, 1.0/26.0, Score(d), 1e-9)
	assert.Equal(t, 1.0, Score(0))

	d, err = L2Squared([]float32{0, 0}, []float32{1.3, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.69, d, 1e-6)
	assert.Less(t, Score(d), 0.4, "1.3 units away scores below the default threshold")

	_, err = L2Squared([]float32{1}, []float32{1, 2})
	assert.ErrorIs(t, err, ErrDimMismatch)

	assert.InDelta(t, 1.0, Cosine([]float32{1, 1}, []float32{2, 2}), 1e-9)
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestVectorBlobRoundTrip(t *testing.T) {
	in := []float32{1.5, -2, 0, 3.25}
	out, err := decodeVector(encodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

// ── Splitter ──

func TestSplitterShortText(t *testing.T) {
	s := NewSplitter(100, 10)
	assert.Equal(t, []string{"hello world"}, s.Split("  hello world  "))
}

func TestSplitterRespectsSize(t *testing.T) {
	para := strings.Repeat("The company reported strong growth. ", 20)
	text := para + "\n\n" + para + "\n\n" + para

	s := NewSplitter(200, 40)
	chunks := s.Split(text)
	require.Greater(t, len(chunks), 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 200)
		assert.NotEmpty(t, c)
	}
}

func TestSplitterOverlap(t *testing.T) {
	words := make([]string, 60)
	for i := range words {
		words[i] = "w" + string(rune('a'+i%26))
	}
	s := Splitter{Size: 30, Overlap: 10, Separators: []string{" ", ""}}
	chunks := s.Split(strings.Join(words, " "))
	require.Greater(t, len(chunks), 1)

	// Each chunk starts with the tail of the previous one.
	for i := 1; i < len(chunks); i++ {
		prevWords := strings.Fields(chunks[i-1])
		first := strings.Fields(chunks[i])[0]
		assert.Contains(t, prevWords, first)
	}
}

func TestSplitterLongWordFallsBackToRunes(t *testing.T) {
	s := Splitter{Size: 5, Overlap: 0}
	chunks := s.Split("abcdefghijkl")
	assert.Equal(t, []string{"abcde", "fghij", "kl"}, chunks)
}

func TestSplitDocumentsCopiesMetadata(t *testing.T) {
	s := NewSplitter(10, 0)
	docs := s.SplitDocuments([]Document{{ID: "x", Content: "aaaa bbbb cccc", Metadata: map[string]string{"source": "f.txt"}}})
	require.Len(t, docs, 2)
	assert.Equal(t, "x#0", docs[0].ID)
	assert.Equal(t, "f.txt", docs[1].Metadata["source"])
	assert.Equal(t, "1", docs[1].Metadata["chunk"])
}

// ── Loader / Ingest ──

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	require.NoError(t, os.WriteFile(path, []byte("# Title\n\nBody"), 0o644))

	docs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "note.md", docs[0].Metadata["source"])
	assert.Equal(t, path, docs[0].Metadata["path"])

	again, _ := LoadFile(path)
	assert.Equal(t, docs[0].ID, again[0].ID, "ids are stable")

	_, err = LoadFile(filepath.Join(dir, "x.exe"))
	assert.Error(t, err)
}

func TestIngest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha beta gamma"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.csv"), []byte("ticker,name\nAAPL,Apple"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.bin"), []byte{0, 1}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.pdf"), []byte("not a pdf"), 0o644))

	store := NewMemoryStore(llmtest.NewEmbedder())
	stats, err := Ingest(context.Background(), store, dir, "demo", NewSplitter(800, 120), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 2, stats.Chunks)

	n, _ := store.Count(context.Background(), "demo")
	assert.Equal(t, 2, n)
}
