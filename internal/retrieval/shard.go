package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/vectorstore"
)

const (
	chunksFile   = "chunks.txt"
	metadataFile = "metadata.json"
)

var (
	ErrShardMissing  = errors.New("retrieval: shard missing chunks or metadata file")
	ErrShardMismatch = errors.New("retrieval: chunk count does not match metadata count")
)

var blankLineRe = regexp.MustCompile(`\n\s*\n`)

// Shard is one folder of pre-chunked text: chunks.txt holds blank-line
// separated chunks and metadata.json an array with one object per chunk.
type Shard struct {
	Dir      string
	Folder   string
	Chunks   []string
	Metadata []map[string]string

	index *BM25
}

// LoadShard reads the shard stored in dir.
func LoadShard(dir string) (*Shard, error) {
	raw, err := os.ReadFile(filepath.Join(dir, chunksFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrShardMissing
		}
		return nil, fmt.Errorf("retrieval: read chunks: %w", err)
	}
	metaRaw, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrShardMissing
		}
		return nil, fmt.Errorf("retrieval: read metadata: %w", err)
	}

	var chunks []string
	for _, c := range blankLineRe.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), -1) {
		if c = strings.TrimSpace(c); c != "" {
			chunks = append(chunks, c)
		}
	}

	var metas []map[string]any
	if err := json.Unmarshal(metaRaw, &metas); err != nil {
		return nil, fmt.Errorf("retrieval: decode metadata: %w", err)
	}
	if len(metas) != len(chunks) {
		return nil, fmt.Errorf("%w: %d chunks, %d metadata entries", ErrShardMismatch, len(chunks), len(metas))
	}

	s := &Shard{Dir: dir, Chunks: chunks, Metadata: make([]map[string]string, len(metas))}
	for i, m := range metas {
		s.Metadata[i] = stringify(m)
	}
	s.index = NewBM25(chunks)
	return s, nil
}

// Search runs BM25 over the shard and returns the hits as documents. Each
// document carries the chunk metadata plus source_folder, bm25_rank and
// bm25_score.
func (s *Shard) Search(query string, k int) []vectorstore.ScoredDocument {
	hits := s.index.Search(query, k)
	out := make([]vectorstore.ScoredDocument, len(hits))
	for rank, h := range hits {
		meta := make(map[string]string, len(s.Metadata[h.Index])+3)
		for k, v := range s.Metadata[h.Index] {
			meta[k] = v
		}
		meta["source_folder"] = s.Folder
		meta["bm25_rank"] = strconv.Itoa(rank + 1)
		meta["bm25_score"] = strconv.FormatFloat(h.Score, 'f', 4, 64)
		out[rank] = vectorstore.ScoredDocument{
			Document: vectorstore.Document{
				ID:       s.Folder + ":" + strconv.Itoa(h.Index),
				Content:  s.Chunks[h.Index],
				Metadata: meta,
			},
			Score: h.Score,
		}
	}
	return out
}

func stringify(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case nil:
		case string:
			out[k] = x
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(x)
		default:
			b, _ := json.Marshal(x)
			out[k] = string(b)
		}
	}
	return out
}

// ShardSearcher runs BM25 over every shard below {root}/{profile}, then
// re-ranks the merged hits with one global BM25 pass.
type ShardSearcher struct {
	root    string
	profile string
	k       int
	logger  *zap.Logger
}

// NewShardSearcher creates a searcher returning at most k hits.
func NewShardSearcher(root, profile string, k int, logger *zap.Logger) *ShardSearcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if k <= 0 {
		k = 12
	}
	return &ShardSearcher{root: root, profile: profile, k: k, logger: logger}
}

// Shards loads every shard under the profile directory. Broken shards are
// logged and skipped.
func (s *ShardSearcher) Shards(ctx context.Context) ([]*Shard, error) {
	base := filepath.Join(s.root, s.profile)
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("retrieval: read profile dir: %w", err)
	}

	var shards []*Shard
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		folder := e.Name()
		err := filepath.WalkDir(filepath.Join(base, folder), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !d.IsDir() {
				return nil
			}
			if !fileExists(filepath.Join(path, chunksFile)) || !fileExists(filepath.Join(path, metadataFile)) {
				return nil
			}
			shard, err := LoadShard(path)
			if err != nil {
				s.logger.Warn("bm25 shard skipped", zap.String("folder", folder), zap.String("path", path), zap.Error(err))
				return nil
			}
			shard.Folder = folder
			shards = append(shards, shard)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return shards, nil
}

// Search returns the global top-k BM25 hits across all shards.
func (s *ShardSearcher) Search(ctx context.Context, query string) ([]vectorstore.ScoredDocument, error) {
	shards, err := s.Shards(ctx)
	if err != nil {
		return nil, err
	}

	var merged []vectorstore.ScoredDocument
	for _, sh := range shards {
		merged = append(merged, sh.Search(query, s.k)...)
	}
	if len(merged) == 0 {
		return nil, nil
	}

	texts := make([]string, len(merged))
	for i, d := range merged {
		texts[i] = d.Content
	}
	global := NewBM25(texts).Search(query, s.k)
	out := make([]vectorstore.ScoredDocument, len(global))
	for i, h := range global {
		out[i] = merged[h.Index]
		out[i].Score = h.Score
	}
	s.logger.Debug("bm25 search", zap.Int("shards", len(shards)), zap.Int("hits", len(out)))
	return out, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
