package bot

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/config"
	"github.com/seenimoa/zchatbot/internal/intent"
	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/prompts"
	"github.com/seenimoa/zchatbot/internal/retrieval"
	"github.com/seenimoa/zchatbot/internal/vectorstore"
)

// Bot logics selectable with bot.logic.
const (
	LogicPrompt      = "prompt"
	LogicHybrid      = "hybrid"
	LogicReranked    = "reranked"
	LogicFileIndexer = "file_indexer"
	LogicIntentFile  = "intent_file"
)

// Deps are the collaborators Build wires into the selected engine.
type Deps struct {
	Provider      llm.Provider
	Embedder      vectorstore.Embedder
	Store         vectorstore.Store
	Prompts       *prompts.Loader
	IntentPrompts *prompts.IntentLoader
	Intents       IntentHandler // nil disables intent routing
	Logger        *zap.Logger
}

// Build creates the engine selected by cfg.Bot.Logic (hybrid when empty).
// Every logic except file_indexer, which dispatches itself, is wrapped
// with the intent handlers when they are set, and with the topic logger
// when bot.custom_logger is on.
func Build(cfg *config.Config, d Deps) (Engine, error) {
	if d.Provider == nil {
		return nil, ErrNoProvider
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Prompts == nil {
		d.Prompts = prompts.NewLoader(cfg.Bot.PromptsDir, prompts.WithLogger(d.Logger))
	}
	if d.IntentPrompts == nil {
		d.IntentPrompts = prompts.NewIntentLoader(cfg.Intent.PromptsDir, prompts.WithIntentLogger(d.Logger))
	}

	opts := []Option{
		WithLogger(d.Logger),
		WithModel(cfg.LLM.Model),
		WithTemperature(cfg.LLM.Temperature),
		WithMaxTokens(cfg.LLM.MaxTokens),
		WithTopK(cfg.Retrieval.TopK),
		WithThreshold(cfg.Retrieval.Threshold),
		WithSessions(NewSessions(cfg.Bot.MemorySize)),
	}

	base, err := NewPromptBot(d.Provider, d.Prompts, cfg.Bot.Prompt, opts...)
	if err != nil {
		return nil, fmt.Errorf("bot: prompt %q: %w", cfg.Bot.Prompt, err)
	}

	logic := strings.ToLower(strings.TrimSpace(cfg.Bot.Logic))
	if logic == "" {
		logic = LogicHybrid
	}

	var engine Engine
	wrapIntents := true
	switch logic {
	case LogicPrompt:
		engine = base

	case LogicHybrid:
		engine, err = NewHybridBot(d.Store, cfg.Bot.Profile, base, d.Provider, opts...)

	case LogicReranked:
		engine, err = buildReranked(cfg, d, base, opts)

	case LogicFileIndexer:
		var hybrid *HybridBot
		hybrid, err = NewHybridBot(d.Store, cfg.Bot.Profile, base, d.Provider, opts...)
		if err == nil {
			engine = NewFileIndexerBot(hybrid, cfg.Bot.IndexFilesRoot, d.Intents)
			wrapIntents = false
		}

	case LogicIntentFile:
		root := filepath.Join(cfg.Bot.IndexFilesRoot, cfg.Bot.Profile)
		engine = NewIntentFileBot([]intent.PathDetector{intent.CompetitionFile{}, intent.SentimentRankingFile{}}, root, base, opts...)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLogic, cfg.Bot.Logic)
	}
	if err != nil {
		return nil, err
	}

	if wrapIntents && d.Intents != nil {
		engine = NewIntentBot(engine, d.Intents, d.Logger)
	}
	if cfg.Bot.CustomLogger {
		tpl, err := d.IntentPrompts.Get(prompts.TopicExtractor)
		if err != nil {
			return nil, err
		}
		engine = TopicLogger{Engine: engine, Extractor: NewTopicExtractor(d.Provider, tpl, cfg.LLM.IntentModel, d.Logger)}
	}

	d.Logger.Info("bot ready",
		zap.String("logic", logic),
		zap.String("profile", cfg.Bot.Profile),
		zap.String("prompt_name", cfg.Bot.Prompt),
		zap.Bool("intents", d.Intents != nil))
	return engine, nil
}

func buildReranked(cfg *config.Config, d Deps, base *PromptBot, opts []Option) (*RerankedRAGBot, error) {
	if d.Store == nil {
		return nil, ErrNoStore
	}
	rc := cfg.Retrieval

	rewriteTpl, _ := d.IntentPrompts.Get(prompts.QueryRewrite)
	classifyTpl, _ := d.IntentPrompts.Get(prompts.QueryClassify)

	popts := []retrieval.PipelineOption{
		retrieval.WithRewriter(&retrieval.Rewriter{Provider: d.Provider, Template: rewriteTpl, Logger: d.Logger}),
		retrieval.WithClassifier(&retrieval.Classifier{Provider: d.Provider, Template: classifyTpl, Logger: d.Logger}),
		retrieval.WithDenseK(rc.DenseK),
		retrieval.WithTopK(rc.FusionTopK),
		retrieval.WithPipelineLogger(d.Logger),
	}
	if rc.WeightDense > 0 || rc.WeightSparse > 0 {
		f := retrieval.DefaultFusion()
		f.WDense, f.WSparse = rc.WeightDense, rc.WeightSparse
		if rc.FusionTopK > 0 {
			f.TopK = rc.FusionTopK
		}
		popts = append(popts, retrieval.WithFusion(f))
	}
	if rc.ShardsDir != "" {
		popts = append(popts, retrieval.WithShardSearcher(
			retrieval.NewShardSearcher(rc.ShardsDir, cfg.Bot.Profile, rc.SparseK, d.Logger)))
	}

	pipeline := retrieval.NewPipeline(d.Store, cfg.Bot.Profile, popts...)
	rb, err := NewRerankedRAGBot(pipeline, base, d.Provider, opts...)
	if err != nil {
		return nil, err
	}
	if d.Embedder != nil {
		rb.WithCompressor(&retrieval.SentenceCompressor{Embedder: d.Embedder, TopK: 3, Logger: d.Logger})
	}
	return rb, nil
}
