package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/retrieval"
)

// NoEvidence is returned when the model produced an empty answer.
const NoEvidence = "No strong evidence found in retrieved context."

// RerankedRAGBot answers from the hybrid dense+BM25 retrieval pipeline. The
// fused documents are optionally sentence-compressed before being joined
// into the prompt context.
type RerankedRAGBot struct {
	pipeline   *retrieval.Pipeline
	compressor *retrieval.SentenceCompressor
	provider   llm.Provider
	system     func() string
	promptName string
	settings
	metricsBox
}

// NewRerankedRAGBot creates the bot. base supplies the system prompt.
func NewRerankedRAGBot(pipeline *retrieval.Pipeline, base *PromptBot, provider llm.Provider, opts ...Option) (*RerankedRAGBot, error) {
	if provider == nil || base == nil {
		return nil, ErrNoProvider
	}
	b := &RerankedRAGBot{
		pipeline:   pipeline,
		provider:   provider,
		system:     base.SystemPrompt,
		promptName: base.PromptName(),
		settings:   defaults(),
	}
	for _, opt := range opts {
		opt(&b.settings)
	}
	b.sessionStore()
	return b, nil
}

// WithCompressor enables sentence-level context compression.
func (b *RerankedRAGBot) WithCompressor(c *retrieval.SentenceCompressor) *RerankedRAGBot {
	b.compressor = c
	return b
}

// Handle answers question. Failures are reported to the user with a short
// error id that is also logged.
func (b *RerankedRAGBot) Handle(ctx context.Context, sessionID, question string) (string, error) {
	ctx, span := tracer.Start(ctx, "rerank.handle")
	defer span.End()

	question = strings.TrimSpace(question)
	b.logger.Info("query_received", zap.String("query", question))

	answer, docs, err := b.answer(ctx, sessionID, question)
	if err != nil {
		span.RecordError(err)
		errID := uuid.NewString()[:8]
		b.logger.Error("fatal_query_error", zap.String("error_id", errID), zap.Error(err))
		b.set(Metrics{Mode: ModeError, PromptName: b.promptName})
		return fmt.Sprintf("RerankedRAG error (%s).", errID), nil
	}
	if answer == "" {
		answer = NoEvidence
	}

	mem := b.sessions.Get(sessionID)
	mem.Add(question, answer)
	b.logger.Info("history_update",
		zap.String("session_id", sessionOrDefault(sessionID)),
		zap.String("user", truncate(question, 120)),
		zap.String("ai", truncate(answer, 120)),
		zap.Int("len", mem.Len()))
	b.logger.Info("query_answered", zap.String("answer", truncate(answer, 200)))

	mode := ModeRAG
	if docs == 0 {
		mode = ModeFallback
	}
	b.set(Metrics{Mode: mode, DocsFound: docs, Threshold: b.threshold, PromptName: b.promptName})
	return answer, nil
}

func (b *RerankedRAGBot) answer(ctx context.Context, sessionID, question string) (string, int, error) {
	res, err := b.pipeline.Retrieve(ctx, question)
	if err != nil {
		return "", 0, err
	}
	docs := res.Docs
	if b.compressor != nil {
		docs = b.compressor.Compress(ctx, question, docs)
	}
	contextText := retrieval.Compress(docs)

	history := b.sessions.Get(sessionID).Transcript()
	msgs := []llm.Message{
		llm.SystemMessage(b.system() + "\n\nContext:\n" + contextText),
		llm.UserMessage("Chat history:\n" + history + "\n\nQuestion:\n" + question),
	}
	resp, err := b.provider.Chat(ctx, msgs, b.chatOptions())
	if err != nil {
		return "", 0, err
	}
	return strings.TrimSpace(resp.Content), len(res.Docs), nil
}
