// zchatbot serves the financial research chatbot: the RAG/fallback bot,
// intent handlers, WhatsApp hooks and the portfolio, news and management
// analysis endpoints.
//
// Main CLI entrypoint using cobra command framework.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seenimoa/zchatbot/api"
	"github.com/seenimoa/zchatbot/internal/config"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global config
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "zchatbot",
	Short: "zchatbot: financial research chatbot",
	Long: `zchatbot answers questions about securities, portfolios and news.
It combines a hybrid RAG / prompt-only bot with intent handlers for
property listings, transfers, outbound WhatsApp sales and portfolio
rotation.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.Logging.Level = lvl
		}
		if p, _ := cmd.Flags().GetString("prompt"); strings.TrimSpace(p) != "" {
			cfg.Bot.Prompt = strings.TrimSpace(p)
		}
		api.Version = version
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("prompt", "", "system prompt name (overrides bot.prompt)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(newsCmd)
	rootCmd.AddCommand(portfolioCmd)
	rootCmd.AddCommand(statusCmd)
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// Skip config loading.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("zchatbot %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

// --- Status Command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("═══════════════════════════════════════")
		fmt.Println("  zchatbot: System Status")
		fmt.Println("═══════════════════════════════════════")
		fmt.Printf("  Version:       %s (%s)\n", version, commit)
		fmt.Println()

		fmt.Println("  Configuration:")
		fmt.Printf("    LLM Provider:  %s (model: %s)\n", cfg.LLM.Primary, cfg.LLM.Model)
		fmt.Printf("    Bot:           %s / %s (profile: %s)\n", cfg.Bot.Logic, cfg.Bot.Prompt, cfg.Bot.Profile)
		intents := cfg.IntentNames()
		if len(intents) == 0 {
			fmt.Println("    Intents:       disabled")
		} else {
			fmt.Printf("    Intents:       %s\n", strings.Join(intents, ", "))
		}
		cacheType := "disabled"
		if cfg.Cache.Enabled {
			cacheType = cfg.Cache.Type
		}
		fmt.Printf("    Cache:         %s\n", cacheType)
		fmt.Printf("    Vector DB:     %s\n", cfg.Storage.VectorDB)
		fmt.Printf("    Portfolio DB:  %s\n", cfg.Storage.PortfolioDB)
		fmt.Printf("    API Server:    %s\n", cfg.Addr())
		fmt.Println()

		fmt.Println("  API Keys:")
		for _, k := range config.CheckAPIKeys(cfg) {
			status := "❌ not set"
			if k.IsSet {
				status = fmt.Sprintf("✅ set (%s: %s)", k.Source, k.Masked)
			}
			fmt.Printf("    %-25s %s\n", k.Name+":", status)
		}

		fmt.Println("═══════════════════════════════════════")
		return nil
	},
}
