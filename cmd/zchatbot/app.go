package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/analysis"
	"github.com/seenimoa/zchatbot/internal/bot"
	"github.com/seenimoa/zchatbot/internal/cache"
	"github.com/seenimoa/zchatbot/internal/contacts"
	"github.com/seenimoa/zchatbot/internal/intent"
	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/logging"
	"github.com/seenimoa/zchatbot/internal/news"
	"github.com/seenimoa/zchatbot/internal/portfolio"
	"github.com/seenimoa/zchatbot/internal/prompts"
	"github.com/seenimoa/zchatbot/internal/property"
	"github.com/seenimoa/zchatbot/internal/telemetry"
	"github.com/seenimoa/zchatbot/internal/vectorstore"
	"github.com/seenimoa/zchatbot/internal/whatsapp"
)

// app holds the services shared by the subcommands. Fields are filled on
// demand by the with* methods.
type app struct {
	logger  *zap.Logger
	cache   cache.Cache
	llm     *llm.Router
	vectors *vectorstore.SQLiteStore

	prompts       *prompts.Loader
	intentPrompts *prompts.IntentLoader

	sender        whatsapp.Sender
	conversations *whatsapp.ConversationStore
	engine        bot.Engine

	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	a := &app{logger: logger}
	a.closers = append(a.closers, func() error { _ = logger.Sync(); return nil })

	shutdown, err := telemetry.Setup(cfg.Telemetry, os.Stdout)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})

	a.cache = cache.New(ctx, cfg.Cache, logger)
	a.closers = append(a.closers, a.cache.Close)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *app) withLLM(ctx context.Context) error {
	if a.llm != nil {
		return nil
	}
	r, err := llm.NewRouterFromConfig(ctx, cfg, a.logger)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	a.llm = r
	return nil
}

func (a *app) withVectors(ctx context.Context) error {
	if a.vectors != nil {
		return nil
	}
	if err := a.withLLM(ctx); err != nil {
		return err
	}
	if dir := filepath.Dir(cfg.Storage.VectorDB); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("vectorstore: %w", err)
		}
	}
	s, err := vectorstore.NewSQLiteStore(cfg.Storage.VectorDB, a.llm, vectorstore.WithLogger(a.logger.Named("vectorstore")))
	if err != nil {
		return err
	}
	a.vectors = s
	a.closers = append(a.closers, s.Close)
	return nil
}

func (a *app) withPrompts(ctx context.Context) {
	if a.prompts != nil {
		return
	}
	a.prompts = prompts.NewLoader(cfg.Bot.PromptsDir, prompts.WithLogger(a.logger))
	a.intentPrompts = prompts.NewIntentLoader(cfg.Intent.PromptsDir, prompts.WithIntentLogger(a.logger))
	if err := a.prompts.Watch(ctx); err != nil {
		a.logger.Debug("prompt hot reload disabled", zap.Error(err))
	}
	if err := a.intentPrompts.Watch(ctx); err != nil {
		a.logger.Debug("intent prompt hot reload disabled", zap.Error(err))
	}
}

// withWhatsApp sets up the Twilio sender and the conversation store. A
// missing Twilio account leaves the sender nil.
func (a *app) withWhatsApp() {
	if a.conversations != nil {
		return
	}
	ttl := time.Duration(cfg.Intent.StateTTLSec) * time.Second
	a.conversations = whatsapp.NewConversationStore(cache.ForState(a.cache, ttl), ttl, a.logger.Named("whatsapp"))

	tw, err := whatsapp.NewTwilioClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.WhatsAppFrom,
		whatsapp.WithTwilioBaseURL(cfg.Twilio.BaseURL),
		whatsapp.WithTwilioRate(cfg.Twilio.RatePerSec),
		whatsapp.WithTwilioLogger(a.logger.Named("twilio")))
	if err != nil {
		a.logger.Warn("whatsapp sender disabled", zap.Error(err))
		return
	}
	a.sender = tw
}

// withEngine builds the bot selected by bot.logic, with the configured
// intent detectors in front of it.
func (a *app) withEngine(ctx context.Context) error {
	if a.engine != nil {
		return nil
	}
	if err := a.withVectors(ctx); err != nil {
		return err
	}
	a.withPrompts(ctx)
	a.withWhatsApp()

	dispatcher, err := a.intents()
	if err != nil {
		return err
	}

	deps := bot.Deps{
		Provider:      a.llm,
		Embedder:      a.llm,
		Store:         a.vectors,
		Prompts:       a.prompts,
		IntentPrompts: a.intentPrompts,
		Logger:        a.logger.Named("bot"),
	}
	if dispatcher != nil {
		deps.Intents = dispatcher
	}
	engine, err := bot.Build(cfg, deps)
	if err != nil {
		return err
	}
	a.engine = engine
	return nil
}

// intents returns nil when intent detection is disabled.
func (a *app) intents() (*intent.Dispatcher, error) {
	names := cfg.IntentNames()
	if len(names) == 0 {
		return nil, nil
	}
	logger := a.logger.Named("intent")

	cat, err := intent.LoadCatalogue(filepath.Join(cfg.Intent.PromptsDir, "intents.yaml"))
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(cfg.Intent.StateTTLSec) * time.Second
	state := intent.NewStateStore(cache.ForState(a.cache, ttl), ttl)

	deps := intent.Deps{
		Provider:      a.llm,
		Prompts:       a.intentPrompts,
		State:         state,
		Sender:        a.sender,
		Conversations: a.conversations,
		Logger:        logger,
		Downloader: &property.Downloader{
			Scraper: property.NewScraper(
				property.WithMaxPages(cfg.Intent.MaxPages),
				property.WithScraperLogger(logger.Named("scraper"))),
			ExportsDir: cfg.Intent.ExportsDir,
			Logger:     logger,
		},
	}
	if tpl, err := a.intentPrompts.Get(prompts.FileCommandExec); err == nil {
		deps.Executor = property.NewFileCommandExecutor(a.llm, tpl, cfg.Intent.ExportsDir, cfg.Intent.ChunkChars, cfg.LLM.Model, logger)
	} else {
		logger.Warn("file command executor disabled", zap.Error(err))
	}
	if dir, err := contacts.Load(cfg.Intent.Contacts, logger); err == nil {
		deps.Contacts = dir
	} else {
		logger.Warn("contacts unavailable", zap.String("path", cfg.Intent.Contacts), zap.Error(err))
	}

	detectors, err := intent.Build(names, cat, deps, intent.Settings{
		Model:            cfg.LLM.IntentModel,
		WhatsAppTo:       cfg.WhatsApp.DefaultTo,
		WhatsAppFrom:     cfg.Twilio.WhatsAppFrom,
		RotationContacts: cfg.Intent.RotationTo,
		RotationMessage:  cfg.Intent.RotationMsg,
	})
	if err != nil {
		return nil, err
	}
	return intent.NewDispatcher(detectors, state, logger), nil
}

// waHook returns the conversation hook selected by whatsapp.hook.
func (a *app) waHook() (whatsapp.Replier, error) {
	opts := []whatsapp.AgentOption{
		whatsapp.WithAgentModel(cfg.LLM.Model),
		whatsapp.WithHistoryTurns(cfg.WhatsApp.HistoryTurns),
		whatsapp.WithAgentLogger(a.logger.Named("wa_hook")),
	}
	switch strings.ToLower(cfg.WhatsApp.Hook) {
	case "generic":
		tpl, err := a.intentPrompts.Get(cfg.WhatsApp.GenericPrompt)
		if err != nil {
			return nil, err
		}
		return whatsapp.NewGenericHook(a.llm, tpl, a.conversations, opts...), nil
	default:
		tpl, err := a.intentPrompts.Get(cfg.WhatsApp.SalesPrompt)
		if err != nil {
			return nil, err
		}
		return whatsapp.NewSalesAgent(a.llm, tpl, a.conversations, opts...), nil
	}
}

func (a *app) openPortfolio() (*portfolio.Store, error) {
	if dir := filepath.Dir(cfg.Storage.PortfolioDB); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("portfolio: %w", err)
		}
	}
	s, err := portfolio.Open(cfg.Storage.PortfolioDB, portfolio.WithLogger(a.logger.Named("portfolio")))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, s.Close)
	return s, nil
}

func (a *app) newsIngestor(ctx context.Context) (*news.Ingestor, error) {
	if err := a.withVectors(ctx); err != nil {
		return nil, err
	}
	return news.NewIngestor(news.SourcesFromURLs(cfg.News.Feeds), a.vectors,
		news.WithProfile(cfg.News.Profile),
		news.WithLogger(a.logger.Named("news"))), nil
}

func (a *app) analysis() *analysis.Service {
	return analysis.NewService(cfg.Analysis, analysis.EngineAsker{Engine: a.engine}, a.logger.Named("analysis"))
}
