package vectorstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
)

// Supported reports whether LoadFile can read the file's extension.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".json", ".csv", ".pdf":
		return true
	}
	return false
}

// LoadFile reads a file into documents. PDFs produce one document per
// non-empty page; every other supported type is read as a single text.
func LoadFile(path string) ([]Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	base := filepath.Base(path)

	if ext == ".pdf" {
		return loadPDF(path)
	}
	if !Supported(path) {
		return nil, fmt.Errorf("vectorstore: unsupported file type %q", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: read %s: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	return []Document{{
		ID:       docID(path, 0),
		Content:  text,
		Metadata: map[string]string{"source": base, "path": path},
	}}, nil
}

func loadPDF(path string) ([]Document, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open PDF %s: %w", path, err)
	}
	defer f.Close()

	var docs []Document
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		docs = append(docs, Document{
			ID:      docID(path, i),
			Content: strings.TrimSpace(text),
			Metadata: map[string]string{
				"source": filepath.Base(path),
				"path":   path,
				"page":   strconv.Itoa(i),
			},
		})
	}
	return docs, nil
}

// docID is a stable identifier for page n of path, so re-ingesting a folder
// replaces chunks instead of duplicating them.
func docID(path string, page int) string {
	return strconv.FormatUint(xxhash.Sum64String(path+"\x00"+strconv.Itoa(page)), 16)
}

// IngestStats summarises an Ingest run.
type IngestStats struct {
	Files   int `json:"files"`
	Skipped int `json:"skipped"`
	Chunks  int `json:"chunks"`
}

// Ingest walks dir, splits every supported file and adds the chunks to
// profile. Unreadable files are logged and skipped.
func Ingest(ctx context.Context, store Store, dir, profile string, splitter Splitter, logger *zap.Logger) (IngestStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var stats IngestStats
	var chunks []Document

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !Supported(path) {
			return nil
		}
		docs, err := LoadFile(path)
		if err != nil {
			stats.Skipped++
			logger.Warn("skipping file", zap.String("path", path), zap.Error(err))
			return nil
		}
		stats.Files++
		chunks = append(chunks, splitter.SplitDocuments(docs)...)
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("vectorstore: walk %s: %w", dir, err)
	}

	if err := store.Add(ctx, profile, chunks); err != nil {
		return stats, err
	}
	stats.Chunks = len(chunks)
	logger.Info("ingest complete",
		zap.String("profile", profile),
		zap.Int("files", stats.Files),
		zap.Int("chunks", stats.Chunks),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}
