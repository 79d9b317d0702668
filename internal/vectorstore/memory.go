package vectorstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store, used for tests and ephemeral profiles.
type MemoryStore struct {
	embedder Embedder
	opts     options

	mu       sync.RWMutex
	profiles map[string][]vectorRow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(embedder Embedder, opts ...Option) *MemoryStore {
	return &MemoryStore{
		embedder: embedder,
		opts:     buildOptions(opts),
		profiles: make(map[string][]vectorRow),
	}
}

func (m *MemoryStore) Add(ctx context.Context, profile string, docs []Document) error {
	if profile == "" {
		return ErrEmptyProfile
	}
	if len(docs) == 0 {
		return nil
	}
	vecs, err := embedAll(ctx, m.embedder, docs, m.opts.batchSize, m.opts.concurrency)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.profiles[profile]
	index := make(map[string]int, len(rows))
	for i, r := range rows {
		index[r.doc.ID] = i
	}
	for i, d := range docs {
		row := vectorRow{doc: d, vec: vecs[i]}
		if j, ok := index[d.ID]; ok && d.ID != "" {
			rows[j] = row
			continue
		}
		index[d.ID] = len(rows)
		rows = append(rows, row)
	}
	m.profiles[profile] = rows
	return nil
}

func (m *MemoryStore) Search(ctx context.Context, profile, query string, k int) ([]ScoredDocument, error) {
	if m.embedder == nil {
		return nil, ErrNoEmbedder
	}
	qv, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(qv) != 1 {
		return nil, ErrDimMismatch
	}
	m.mu.RLock()
	rows := append([]vectorRow(nil), m.profiles[profile]...)
	m.mu.RUnlock()
	return rank(qv[0], rows, k), nil
}

func (m *MemoryStore) Documents(_ context.Context, profile string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.profiles[profile]
	out := make([]Document, len(rows))
	for i, r := range rows {
		out[i] = r.doc
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context, profile string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.profiles[profile]), nil
}

func (m *MemoryStore) DeleteProfile(_ context.Context, profile string) error {
	m.mu.Lock()
	delete(m.profiles, profile)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
