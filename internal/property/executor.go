package property

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/prompts"
)

// Selection is one listing picked by the model.
type Selection struct {
	Header   *string `json:"header"`
	Price    *string `json:"price"`
	Location *string `json:"location"`
	Details  *string `json:"details"`
	URL      *string `json:"url"`
}

type execResult struct {
	Result struct {
		Summary    string      `json:"summary"`
		Selections []Selection `json:"selections"`
		Selection  *Selection  `json:"selection"`
	} `json:"result"`
}

// FileCommandExecutor applies a free-text action to an exported listings
// file. The model does all of the interpretation; this type only reads,
// chunks and renders.
type FileCommandExecutor struct {
	provider   llm.Provider
	template   prompts.Template
	exportsDir string
	maxChars   int
	model      string
	logger     *zap.Logger
}

// NewFileCommandExecutor creates an executor. tpl receives {action},
// {neighborhood}, {filename} and {file_chunk}.
func NewFileCommandExecutor(provider llm.Provider, tpl prompts.Template, exportsDir string, maxChars int, model string, logger *zap.Logger) *FileCommandExecutor {
	if maxChars <= 0 {
		maxChars = 80000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileCommandExecutor{
		provider:   provider,
		template:   tpl,
		exportsDir: exportsDir,
		maxChars:   maxChars,
		model:      model,
		logger:     logger,
	}
}

// SmartChunk cuts text to max bytes, backing up to the last listing header
// so no listing is sent half-way.
func SmartChunk(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	anchor := strings.LastIndex(cut, "\n## ")
	if anchor == -1 {
		return cut
	}
	return strings.TrimRight(cut[:anchor], " \t\r\n")
}

// Resolve finds filename as given or inside the exports directory.
func (e *FileCommandExecutor) Resolve(filename string) (string, bool) {
	for _, p := range []string{filename, filepath.Join(e.exportsDir, filename)} {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}

// Execute runs action over filename and returns a chat-ready message.
func (e *FileCommandExecutor) Execute(ctx context.Context, filename, action, neighborhood string) string {
	path, ok := e.Resolve(filename)
	if !ok {
		e.logger.Warn("file_resolve_miss", zap.String("filename", filename), zap.String("exports_dir", e.exportsDir))
		return "❌ File not found: " + filename
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("❌ Could not read file %s: %v", filename, err)
	}

	full := string(data)
	chunk := SmartChunk(full, e.maxChars)
	e.logger.Info("file_exec",
		zap.String("action", action),
		zap.String("neighborhood", neighborhood),
		zap.Int("file_chars_total", len(full)),
		zap.Int("file_chars_sent", len(chunk)),
		zap.Bool("truncated", len(chunk) < len(full)),
		zap.Int("file_tokens_est", max(1, len(chunk)/4)))

	msgs := e.template.Format(map[string]string{
		"action":       strings.TrimSpace(action),
		"neighborhood": neighborhood,
		"filename":     filepath.Base(path),
		"file_chunk":   chunk,
	})
	resp, err := e.provider.Chat(ctx, msgs, &llm.ChatOptions{Model: e.model, Temperature: 0, JSONMode: true})
	if err != nil {
		e.logger.Error("exec_llm_error", zap.Error(err), zap.String("src_filename", filename), zap.String("action", action))
		return "❌ An error occurred while executing the command."
	}

	summary, selections := parseExecResult(resp.Content)
	return RenderSelections(summary, selections, neighborhood) + "\n📄 File: " + filepath.Base(path)
}

func parseExecResult(raw string) (string, []Selection) {
	var res execResult
	if err := llm.DecodeJSON(raw, &res); err != nil {
		return "Done.", nil
	}
	summary := strings.TrimSpace(res.Result.Summary)
	if summary == "" {
		summary = "Done."
	}
	sel := res.Result.Selections
	if sel == nil && res.Result.Selection != nil {
		sel = []Selection{*res.Result.Selection}
	}
	return summary, sel
}

// RenderSelections formats the model's selections as a numbered list.
// Missing fields render as "(null)".
func RenderSelections(summary string, selections []Selection, neighborhood string) string {
	lines := []string{summary, ""}
	if len(selections) == 0 {
		lines = append(lines, "⚠️ No matching listings found.")
		return strings.Join(lines, "\n")
	}

	scope := ""
	if neighborhood != "" {
		scope = " — neighborhood: " + neighborhood
	}
	for i, s := range selections {
		lines = append(lines,
			fmt.Sprintf("#%d ▸ 🏷️ %s%s", i+1, orNull(s.Header), scope),
			"     💵 "+orNull(s.Price),
			"     📍 "+orNull(s.Location),
			"     📐 "+orNull(s.Details),
			"     🔗 "+orNull(s.URL),
			"",
		)
	}
	return strings.Join(lines, "\n")
}

func orNull(s *string) string {
	if s == nil {
		return "(null)"
	}
	return *s
}
