package retrieval

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seenimoa/zchatbot/internal/vectorstore"
)

// Result is the outcome of one pipeline run.
type Result struct {
	Query     string                 `json:"query"`
	Rewritten string                 `json:"rewritten"`
	Expanded  string                 `json:"expanded"`
	Kind      Kind                   `json:"kind"`
	DenseHits int                    `json:"dense_hits"`
	BM25Hits  int                    `json:"bm25_hits"`
	Removed   int                    `json:"removed"`
	Docs      []vectorstore.Document `json:"docs"`
}

// Pipeline runs rewrite → expand → dense ‖ BM25 → fuse → dedup → top-k.
type Pipeline struct {
	store      vectorstore.Store
	profile    string
	sparse     *ShardSearcher
	rewriter   *Rewriter
	expander   Expander
	classifier *Classifier
	fusion     FusionConfig
	denseK     int
	topK       int
	logger     *zap.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithShardSearcher enables BM25 over on-disk shards.
func WithShardSearcher(s *ShardSearcher) PipelineOption {
	return func(p *Pipeline) { p.sparse = s }
}

// WithRewriter enables LLM query rewriting.
func WithRewriter(r *Rewriter) PipelineOption {
	return func(p *Pipeline) { p.rewriter = r }
}

// WithExpander overrides the synonym table.
func WithExpander(e Expander) PipelineOption {
	return func(p *Pipeline) { p.expander = e }
}

// WithClassifier sets the query classifier used to pick the dedup preset.
func WithClassifier(c *Classifier) PipelineOption {
	return func(p *Pipeline) { p.classifier = c }
}

// WithFusion sets the fusion weights.
func WithFusion(cfg FusionConfig) PipelineOption {
	return func(p *Pipeline) { p.fusion = cfg }
}

// WithDenseK sets the number of dense hits requested.
func WithDenseK(k int) PipelineOption {
	return func(p *Pipeline) {
		if k > 0 {
			p.denseK = k
		}
	}
}

// WithTopK sets the number of documents returned.
func WithTopK(k int) PipelineOption {
	return func(p *Pipeline) {
		if k > 0 {
			p.topK = k
		}
	}
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a pipeline over the dense store's profile.
func NewPipeline(store vectorstore.Store, profile string, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:      store,
		profile:    profile,
		classifier: &Classifier{},
		fusion:     DefaultFusion(),
		denseK:     8,
		topK:       4,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Retrieve runs the pipeline. It fails only when every retriever failed.
func (p *Pipeline) Retrieve(ctx context.Context, query string) (*Result, error) {
	ctx, span := otel.Tracer("zchatbot/retrieval").Start(ctx, "retrieval.pipeline")
	defer span.End()

	res := &Result{Query: query}
	res.Rewritten = p.rewriter.Rewrite(ctx, query)
	res.Expanded = p.expander.Expand(res.Rewritten)
	res.Kind = p.classifier.Classify(ctx, query)

	var (
		dense, sparse       []vectorstore.Document
		denseErr, sparseErr error
		g                   errgroup.Group
	)
	g.Go(func() error {
		if p.store == nil {
			return nil
		}
		hits, err := p.store.Search(ctx, p.profile, res.Expanded, p.denseK)
		if err != nil {
			denseErr = err
			return nil
		}
		dense = stripScores(hits)
		return nil
	})
	g.Go(func() error {
		if p.sparse == nil {
			return nil
		}
		hits, err := p.sparse.Search(ctx, res.Expanded)
		if err != nil {
			sparseErr = err
			return nil
		}
		sparse = stripScores(hits)
		return nil
	})
	_ = g.Wait()

	if denseErr != nil {
		p.logger.Warn("dense retrieval failed", zap.Error(denseErr))
	}
	if sparseErr != nil {
		p.logger.Warn("bm25 retrieval failed", zap.Error(sparseErr))
	}
	if (denseErr != nil || p.store == nil) && (sparseErr != nil || p.sparse == nil) {
		err := errors.Join(denseErr, sparseErr)
		if err == nil {
			err = errors.New("no retriever configured")
		}
		span.RecordError(err)
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	res.DenseHits, res.BM25Hits = len(dense), len(sparse)

	fused := Documents(Fuse(dense, sparse, p.fusion))
	docs, removed := Dedup(fused, PresetFor(res.Kind))
	if len(docs) > p.topK {
		docs = docs[:p.topK]
	}
	res.Docs, res.Removed = docs, removed

	span.SetAttributes(
		attribute.String("retrieval.kind", string(res.Kind)),
		attribute.Int("retrieval.dense_hits", res.DenseHits),
		attribute.Int("retrieval.bm25_hits", res.BM25Hits),
		attribute.Int("retrieval.docs", len(docs)),
	)
	p.logger.Info("retrieval done",
		zap.String("kind", string(res.Kind)),
		zap.Int("dense", res.DenseHits),
		zap.Int("bm25", res.BM25Hits),
		zap.Int("dedup_removed", removed),
		zap.Int("docs", len(docs)))
	return res, nil
}

func stripScores(hits []vectorstore.ScoredDocument) []vectorstore.Document {
	out := make([]vectorstore.Document, len(hits))
	for i, h := range hits {
		out[i] = h.Document
	}
	return out
}
