package bot

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/retrieval"
	"github.com/seenimoa/zchatbot/internal/vectorstore"
)

var tracer = otel.Tracer("zchatbot/bot")

// HybridBot answers with retrieved context when the vector store holds
// relevant documents and falls back to the prompt-only bot otherwise. Both
// paths share the same system prompt so the tone stays consistent.
type HybridBot struct {
	store    vectorstore.Store
	profile  string
	fallback *PromptBot
	provider llm.Provider
	settings
	metricsBox
}

// NewHybridBot creates a hybrid bot over store's profile.
func NewHybridBot(store vectorstore.Store, profile string, fallback *PromptBot, provider llm.Provider, opts ...Option) (*HybridBot, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	if provider == nil || fallback == nil {
		return nil, ErrNoProvider
	}
	b := &HybridBot{store: store, profile: profile, fallback: fallback, provider: provider, settings: defaults()}
	for _, opt := range opts {
		opt(&b.settings)
	}
	b.sessionStore()
	return b, nil
}

// decision is the outcome of the retrieval step.
type decision struct {
	docs      []vectorstore.ScoredDocument
	bestScore float64
	rag       bool
}

func (b *HybridBot) decide(ctx context.Context, question string) decision {
	hits, err := b.store.Search(ctx, b.profile, question, b.topK)
	if err != nil {
		b.logger.Warn("retrieval failed, using fallback", zap.Error(err))
		return decision{}
	}

	d := decision{docs: hits}
	hasContent := false
	for i, h := range hits {
		if i == 0 || h.Score > d.bestScore {
			d.bestScore = h.Score
		}
		if strings.TrimSpace(h.Content) != "" {
			hasContent = true
		}
	}
	d.rag = len(hits) > 0 && hasContent && d.bestScore >= b.threshold
	return d
}

// Handle answers question, choosing RAG or fallback mode.
func (b *HybridBot) Handle(ctx context.Context, sessionID, question string) (string, error) {
	ctx, span := tracer.Start(ctx, "hybrid.handle")
	defer span.End()

	d := b.decide(ctx, question)
	mode := ModeFallback
	if d.rag {
		mode = ModeRAG
	}
	b.logger.Info("hybrid_decision",
		zap.String("mode", mode),
		zap.Int("docs_found", len(d.docs)),
		zap.Float64("best_score", d.bestScore),
		zap.String("query", truncate(question, 200)))
	span.SetAttributes(
		attribute.String("bot.mode", mode),
		attribute.Int("bot.docs_found", len(d.docs)),
		attribute.Float64("bot.best_score", d.bestScore),
	)
	b.set(Metrics{
		Mode:       mode,
		DocsFound:  len(d.docs),
		BestScore:  d.bestScore,
		Threshold:  b.threshold,
		PromptName: b.fallback.PromptName(),
	})

	mem := b.sessions.Get(sessionID)
	var (
		answer string
		err    error
	)
	if d.rag {
		answer, err = b.answerWithContext(ctx, mem, question, d.docs)
	} else {
		answer, err = b.fallback.Handle(ctx, sessionID, question)
	}
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	mem.Add(question, answer)
	return answer, nil
}

func (b *HybridBot) answerWithContext(ctx context.Context, mem *Memory, question string, hits []vectorstore.ScoredDocument) (string, error) {
	docs := make([]vectorstore.Document, len(hits))
	for i, h := range hits {
		docs[i] = h.Document
	}
	system := b.fallback.SystemPrompt() + "\n\n" + retrieval.Compress(docs)

	msgs := []llm.Message{llm.SystemMessage(system)}
	msgs = append(msgs, mem.Messages()...)
	msgs = append(msgs, llm.UserMessage(question))

	resp, err := b.provider.Chat(ctx, msgs, b.chatOptions())
	if err != nil {
		return "", fmt.Errorf("hybrid bot: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
