package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/api"
)

// --- Serve Command (API Server) ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			cfg.API.Port = port
		}
		return runServe(cmdContext(cmd))
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (overrides api.port)")
}

func runServe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.withEngine(ctx); err != nil {
		return err
	}
	hook, err := a.waHook()
	if err != nil {
		a.logger.Warn("whatsapp hook disabled", zap.Error(err))
	}
	store, err := a.openPortfolio()
	if err != nil {
		return err
	}
	ingestor, err := a.newsIngestor(ctx)
	if err != nil {
		return err
	}

	srv, err := api.NewServer(cfg, api.Deps{
		Engine:    a.engine,
		LLM:       a.llm,
		Sender:    a.sender,
		WAHook:    hook,
		Portfolio: store,
		News:      ingestor,
		Analysis:  a.analysis(),
		Logger:    a.logger.Named("api"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("🌐 Starting zchatbot API server on %s\n", cfg.Addr())
	a.logger.Info("server starting",
		zap.String("addr", cfg.Addr()),
		zap.String("logic", cfg.Bot.Logic),
		zap.String("prompt", cfg.Bot.Prompt),
		zap.Strings("intents", cfg.IntentNames()))
	return srv.ListenAndServe(ctx, cfg.Addr())
}
