package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/intent"
	"github.com/seenimoa/zchatbot/internal/vectorstore"
)

// MaxFileChars caps how much of a detected file is injected into a prompt.
const MaxFileChars = 8000

// NoFileIntent is returned by IntentFileBot when no detector matched.
const NoFileIntent = "No matching file intent detected for this query."

// ReadCapped reads path and truncates it to max runes, appending marker
// when it was cut.
func ReadCapped(path string, max int, marker string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	r := []rune(string(data))
	if len(r) > max {
		return string(r[:max]) + marker, nil
	}
	return string(data), nil
}

// IntentHandler routes text to the structured intent handlers.
type IntentHandler interface {
	Dispatch(ctx context.Context, sessionID, text string) (intent.Result, error)
}

func logQueryHandled(logger *zap.Logger, question, mode string, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
		zap.String("question", question),
		zap.String("mode", mode),
	}
	logger.Info("metric_query_handled", append(base, fields...)...)
}

// ── File indexer ──

// FileIndexerBot tries the intent handlers first, then looks for an
// indexed file whose content answers the question, and otherwise behaves
// like the hybrid bot.
type FileIndexerBot struct {
	store     vectorstore.Store
	profile   string
	indexRoot string
	hybrid    *HybridBot
	fallback  *PromptBot
	intents   IntentHandler
	settings
	metricsBox
}

// NewFileIndexerBot creates the bot. intents may be nil.
func NewFileIndexerBot(hybrid *HybridBot, indexRoot string, intents IntentHandler, opts ...Option) *FileIndexerBot {
	b := &FileIndexerBot{
		store:     hybrid.store,
		profile:   hybrid.profile,
		indexRoot: indexRoot,
		hybrid:    hybrid,
		fallback:  hybrid.fallback,
		intents:   intents,
		settings:  hybrid.settings,
	}
	for _, opt := range opts {
		opt(&b.settings)
	}
	return b
}

// Handle answers question.
func (b *FileIndexerBot) Handle(ctx context.Context, sessionID, question string) (string, error) {
	if b.intents != nil {
		res, err := b.intents.Dispatch(ctx, sessionID, question)
		if err != nil {
			b.logger.Warn("intent dispatch failed", zap.Error(err))
		} else if res.Handled {
			logQueryHandled(b.logger, question, ModeIntent, zap.String("intent", res.Intent), zap.String("flag", res.Flag))
			b.set(Metrics{Mode: ModeIntent, Intent: res.Intent, PromptName: b.fallback.PromptName()})
			return res.Message, nil
		}
	}

	if path, score, ok := b.detectFile(ctx, question); ok {
		content, err := ReadCapped(path, MaxFileChars, "\n...[truncated for token safety]...")
		if err != nil {
			b.logger.Error("file read failed", zap.String("path", path), zap.Error(err))
		} else if content != "" {
			name := filepath.Base(path)
			b.logger.Info("using detected file", zap.String("file", name), zap.Int("chars", len(content)))
			enriched := fmt.Sprintf("%s\n\n---\n📂 Relevant file detected:\n%s\n\nFile content:\n%s", question, name, content)
			answer, err := b.fallback.Handle(ctx, sessionID, enriched)
			if err != nil {
				return "", err
			}
			logQueryHandled(b.logger, question, ModeFile, zap.String("file_detected", path))
			b.set(Metrics{Mode: ModeFile, DocsFound: 1, BestScore: score, Threshold: b.threshold, PromptName: b.fallback.PromptName()})
			return answer, nil
		}
	}

	answer, err := b.hybrid.Handle(ctx, sessionID, question)
	if err != nil {
		return "", err
	}
	m := b.hybrid.LastMetrics()
	logQueryHandled(b.logger, question, m.Mode)
	b.set(m)
	return answer, nil
}

// detectFile picks the best-scoring indexed document and resolves its
// path metadata, first as given and then relative to the index root.
func (b *FileIndexerBot) detectFile(ctx context.Context, question string) (string, float64, bool) {
	hits, err := b.store.Search(ctx, b.profile, question, b.topK)
	if err != nil {
		b.logger.Error("file detection failed", zap.Error(err))
		return "", 0, false
	}
	if len(hits) == 0 {
		b.logger.Info("no relevant document found")
		return "", 0, false
	}

	best := hits[0]
	for _, h := range hits[1:] {
		if h.Score > best.Score {
			best = h
		}
	}
	for _, h := range hits {
		b.logger.Debug("file candidate",
			zap.String("symbol", h.Metadata["symbol"]),
			zap.String("report_type", h.Metadata["report_type"]),
			zap.Float64("score", h.Score),
			zap.String("path", h.Metadata["path"]))
	}

	if best.Score < b.threshold {
		b.logger.Warn("best similarity below threshold",
			zap.Float64("best_score", best.Score), zap.Float64("threshold", b.threshold))
		return "", best.Score, false
	}
	meta := best.Metadata["path"]
	if meta == "" {
		b.logger.Warn("best document has no path metadata")
		return "", best.Score, false
	}

	path := meta
	if !exists(path) {
		path = filepath.Join(b.indexRoot, meta)
	}
	if !exists(path) {
		b.logger.Warn("resolved path not found", zap.String("path", path))
		return "", best.Score, false
	}
	b.logger.Info("file selected", zap.String("path", path), zap.Float64("similarity", best.Score))
	return path, best.Score, true
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ── Intent file ──

// IntentFileBot resolves the question to a report file with rule-based
// path detectors and answers from that file's content. It does no vector
// search.
type IntentFileBot struct {
	detectors []intent.PathDetector
	root      string
	fallback  *PromptBot
	settings
	metricsBox
}

// NewIntentFileBot creates the bot. Detected paths are relative to root.
func NewIntentFileBot(detectors []intent.PathDetector, root string, fallback *PromptBot, opts ...Option) *IntentFileBot {
	b := &IntentFileBot{detectors: detectors, root: root, fallback: fallback, settings: defaults()}
	for _, opt := range opts {
		opt(&b.settings)
	}
	return b
}

// Detect returns the first detector's relative path for question.
func (b *IntentFileBot) Detect(question string) (string, string, bool) {
	for _, d := range b.detectors {
		if rel, ok := d.DetectPath(question); ok {
			return d.Name(), rel, true
		}
	}
	return "", "", false
}

// Handle answers question from the detected file.
func (b *IntentFileBot) Handle(ctx context.Context, sessionID, question string) (string, error) {
	name, rel, ok := b.Detect(question)
	if !ok {
		b.logger.Warn("no file intent detected")
		b.set(Metrics{Mode: ModeFallback, PromptName: b.fallback.PromptName()})
		return NoFileIntent, nil
	}
	b.logger.Info("file intent detected", zap.String("detector", name), zap.String("path", rel))

	content, err := ReadCapped(filepath.Join(b.root, rel), MaxFileChars, "\n...[truncated]...")
	if err != nil || content == "" {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Error("file read failed", zap.String("path", rel), zap.Error(err))
		}
		return "Error reading file: " + rel, nil
	}

	enriched := fmt.Sprintf("%s\n\n---\n📂 File identified: %s\n\nContenido del archivo:\n%s", question, rel, content)
	answer, err := b.fallback.Handle(ctx, sessionID, enriched)
	if err != nil {
		return "", err
	}
	logQueryHandled(b.logger, question, ModeIntent, zap.String("file_detected", rel))
	b.set(Metrics{Mode: ModeFile, DocsFound: 1, Intent: name, PromptName: b.fallback.PromptName()})
	return answer, nil
}

// ── Intent wrapper ──

// IntentBot runs the intent handlers before a wrapped engine. A handled
// intent short-circuits the engine.
type IntentBot struct {
	next    Engine
	intents IntentHandler
	logger  *zap.Logger
	metricsBox
}

// NewIntentBot wraps next.
func NewIntentBot(next Engine, intents IntentHandler, logger *zap.Logger) *IntentBot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntentBot{next: next, intents: intents, logger: logger}
}

// Handle dispatches to the intent handlers, then to the wrapped engine.
func (b *IntentBot) Handle(ctx context.Context, sessionID, question string) (string, error) {
	res, err := b.intents.Dispatch(ctx, sessionID, question)
	if err != nil {
		b.logger.Warn("intent dispatch failed", zap.Error(err))
	} else if res.Handled {
		logQueryHandled(b.logger, question, ModeIntent, zap.String("intent", res.Intent), zap.String("flag", res.Flag))
		b.set(Metrics{Mode: ModeIntent, Intent: res.Intent})
		return res.Message, nil
	}

	answer, err := b.next.Handle(ctx, sessionID, question)
	if err != nil {
		return "", err
	}
	b.set(LastMetrics(b.next))
	return answer, nil
}
