package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/seenimoa/zchatbot/internal/vectorstore"
)

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// --- Ingest Command ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [dir]",
	Short: "Index a directory of documents into the vector store",
	Long: `Split every .txt, .md, .json, .csv and .pdf file under dir and add the chunks to the
vector store profile (bot.profile unless --profile is given).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext(cmd)
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.withVectors(ctx); err != nil {
			return err
		}

		profile, _ := cmd.Flags().GetString("profile")
		if profile == "" {
			profile = cfg.Bot.Profile
		}
		if reset, _ := cmd.Flags().GetBool("reset"); reset {
			if err := a.vectors.DeleteProfile(ctx, profile); err != nil {
				return err
			}
		}

		splitter := vectorstore.NewSplitter(cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap)
		stats, err := vectorstore.Ingest(ctx, a.vectors, args[0], profile, splitter, a.logger)
		if err != nil {
			return err
		}
		fmt.Printf("📚 %s: %d files, %d chunks, %d skipped\n", profile, stats.Files, stats.Chunks, stats.Skipped)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("profile", "", "vector store profile (default: bot.profile)")
	ingestCmd.Flags().Bool("reset", false, "delete the profile before indexing")
}

// --- News Command ---

var newsCmd = &cobra.Command{
	Use:   "news [symbol] [date]",
	Short: "Fetch, filter and index the day's news for a symbol",
	Long: `Fetch the configured RSS feeds, keep the articles that mention the
symbol (or --name) in the week ending on date (YYYY-MM-DD, default today)
and index them into the news profile.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext(cmd)
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		ingestor, err := a.newsIngestor(ctx)
		if err != nil {
			return err
		}
		day := time.Now().Format("2006-01-02")
		if len(args) == 2 {
			day = args[1]
		}
		name, _ := cmd.Flags().GetString("name")

		report, err := ingestor.Run(ctx, args[0], name, day)
		if err != nil {
			return err
		}
		fmt.Print(report)
		return nil
	},
}

func init() {
	newsCmd.Flags().String("name", "", "company name to match besides the symbol")
}

// --- Portfolio Command ---

var portfolioCmd = &cobra.Command{
	Use:   "portfolio",
	Short: "Import or export portfolio holdings",
}

var portfolioImportCmd = &cobra.Command{
	Use:   "import [portfolio-id] [file]",
	Short: "Add the tickers of a CSV file (ticker[,weight]) to a portfolio",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid portfolio id %q", args[0])
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}

		ctx := cmdContext(cmd)
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		store, err := a.openPortfolio()
		if err != nil {
			return err
		}

		report, err := store.ImportCSV(ctx, pid, string(data))
		if err != nil {
			return err
		}
		fmt.Printf("✅ inserted %d, updated %d\n", report.Inserted, report.Updated)
		if len(report.NotFound) > 0 {
			fmt.Printf("⚠️  not found: %v\n", report.NotFound)
		}
		return nil
	},
}

var portfolioExportCmd = &cobra.Command{
	Use:   "export [portfolio-id]",
	Short: "Write a portfolio's holdings as CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid portfolio id %q", args[0])
		}

		ctx := cmdContext(cmd)
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		store, err := a.openPortfolio()
		if err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if out, _ := cmd.Flags().GetString("output"); out != "" {
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		return store.ExportCSV(ctx, w, pid)
	},
}

func init() {
	portfolioExportCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	portfolioCmd.AddCommand(portfolioImportCmd, portfolioExportCmd)
}
