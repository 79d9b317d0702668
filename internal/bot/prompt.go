package bot

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/prompts"
)

// PromptBot answers from a system prompt alone, with no retrieval and no
// conversation memory.
type PromptBot struct {
	provider   llm.Provider
	loader     *prompts.Loader
	promptName string
	settings
	metricsBox
}

// NewPromptBot creates a prompt-only bot. The named prompt must exist.
func NewPromptBot(provider llm.Provider, loader *prompts.Loader, promptName string, opts ...Option) (*PromptBot, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if _, err := loader.Get(promptName); err != nil {
		return nil, err
	}
	b := &PromptBot{provider: provider, loader: loader, promptName: promptName, settings: defaults()}
	for _, opt := range opts {
		opt(&b.settings)
	}
	b.logger.Info("prompt bot ready", zap.String("prompt_name", promptName))
	return b, nil
}

// PromptName returns the configured prompt name.
func (b *PromptBot) PromptName() string { return b.promptName }

// SystemPrompt returns the current system prompt text. The loader reloads
// it after the file changes.
func (b *PromptBot) SystemPrompt() string {
	text, err := b.loader.Get(b.promptName)
	if err != nil {
		b.logger.Warn("system prompt unavailable", zap.String("prompt_name", b.promptName), zap.Error(err))
		return ""
	}
	return text
}

// Handle sends the system prompt and question to the LLM.
func (b *PromptBot) Handle(ctx context.Context, _ string, question string) (string, error) {
	msgs := []llm.Message{
		llm.SystemMessage(b.SystemPrompt()),
		llm.UserMessage(question),
	}
	resp, err := b.provider.Chat(ctx, msgs, b.chatOptions())
	if err != nil {
		return "", fmt.Errorf("prompt bot: %w", err)
	}
	b.set(Metrics{Mode: ModeFallback, PromptName: b.promptName})
	return strings.TrimSpace(resp.Content), nil
}
