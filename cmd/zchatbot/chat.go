package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/seenimoa/zchatbot/internal/bot"
)

var (
	chatTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Background(lipgloss.Color("#1F2937")).
			Padding(0, 1).
			MarginBottom(1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3B82F6")).
			Bold(true)

	answerStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#10B981")).
			Padding(0, 1).
			Width(100)

	metricsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	chatErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)
)

// --- Chat Command ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start interactive chat mode",
	Long:  "Chat with the configured bot in the terminal. Type 'exit' or press Ctrl-D to quit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext(cmd)
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.withEngine(ctx); err != nil {
			return err
		}

		session, _ := cmd.Flags().GetString("session")
		if session == "" {
			session = "cli-" + uuid.NewString()
		}
		return chatLoop(ctx, a.engine, session)
	},
}

func init() {
	chatCmd.Flags().String("session", "", "session id (default: a new random id)")
}

func chatLoop(ctx context.Context, engine bot.Engine, session string) error {
	fmt.Println(chatTitleStyle.Render(fmt.Sprintf("💬 zchatbot chat · %s · %s", cfg.Bot.Logic, cfg.Bot.Prompt)))

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for {
		fmt.Print(promptStyle.Render("› "))
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		q := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(q) {
		case "":
			continue
		case "exit", "quit", "salir":
			return nil
		}

		start := time.Now()
		answer, err := engine.Handle(ctx, session, q)
		if err != nil {
			fmt.Println(chatErrorStyle.Render("error: " + err.Error()))
			continue
		}
		m := bot.LastMetrics(engine)
		fmt.Println(answerStyle.Render(answer))
		fmt.Println(metricsStyle.Render(fmt.Sprintf("mode=%s docs=%d best=%.3f threshold=%.2f %s",
			m.Mode, m.DocsFound, m.BestScore, m.Threshold, time.Since(start).Round(time.Millisecond))))
	}
}
