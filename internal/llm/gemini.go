package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

var geminiModels = []string{
	"gemini-2.0-flash",
	"gemini-2.0-flash-lite",
	"gemini-2.5-flash",
	"gemini-2.5-pro",
}

// GeminiProvider implements Provider and Embedder with the Google GenAI SDK.
type GeminiProvider struct {
	client     *genai.Client
	model      string
	embedModel string
}

// GeminiOption configures the Gemini provider.
type GeminiOption func(*GeminiProvider)

// WithGeminiModel sets the default chat model.
func WithGeminiModel(model string) GeminiOption {
	return func(p *GeminiProvider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithGeminiEmbeddingModel sets the embeddings model.
func WithGeminiEmbeddingModel(model string) GeminiOption {
	return func(p *GeminiProvider) {
		if model != "" {
			p.embedModel = model
		}
	}
}

// NewGeminiProvider creates a Gemini provider backed by the Gemini API.
func NewGeminiProvider(ctx context.Context, apiKey string, opts ...GeminiOption) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	p := &GeminiProvider{
		client:     client,
		model:      "gemini-2.0-flash",
		embedModel: "gemini-embedding-001",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *GeminiProvider) Name() string     { return ProviderGemini }
func (p *GeminiProvider) Models() []string { return geminiModels }

// Ping fetches the configured model's metadata.
func (p *GeminiProvider) Ping(ctx context.Context) error {
	if _, err := p.client.Models.Get(ctx, p.model, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderDown, err)
	}
	return nil
}

// Chat sends a conversation to Gemini. System messages are merged into the
// system instruction; assistant turns map to the "model" role.
func (p *GeminiProvider) Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*Response, error) {
	start := time.Now()
	model, contents, config := p.buildRequest(messages, opts)

	result, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	text, err := geminiText(result)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Content:      text,
		FinishReason: FinishStop,
		Model:        model,
		Provider:     ProviderGemini,
		Latency:      time.Since(start),
	}
	if fr := result.Candidates[0].FinishReason; fr == genai.FinishReasonMaxTokens {
		resp.FinishReason = FinishLength
	}
	if u := result.UsageMetadata; u != nil {
		resp.Usage = Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return resp, nil
}

// ChatStream streams a Gemini answer chunk by chunk.
func (p *GeminiProvider) ChatStream(ctx context.Context, messages []Message, opts *ChatOptions) (<-chan StreamChunk, error) {
	model, contents, config := p.buildRequest(messages, opts)

	ch := make(chan StreamChunk, 64)
	go func() {
		defer close(ch)
		for result, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				ch <- StreamChunk{Err: classifyGeminiError(err)}
				return
			}
			text, err := geminiText(result)
			if err != nil {
				continue
			}
			select {
			case ch <- StreamChunk{Content: text}:
			case <-ctx.Done():
				return
			}
		}
		ch <- StreamChunk{Done: true, FinishReason: FinishStop}
	}()
	return ch, nil
}

// Embed generates embeddings for texts in one batch call.
func (p *GeminiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := p.client.Models.EmbedContent(ctx, p.embedModel, contents, &genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_DOCUMENT",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini: got %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

func (p *GeminiProvider) buildRequest(messages []Message, opts *ChatOptions) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := p.model
	config := &genai.GenerateContentConfig{}

	var system []string
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	if opts != nil {
		if opts.Model != "" && strings.HasPrefix(opts.Model, "gemini") {
			model = opts.Model
		}
		config.Temperature = genai.Ptr(float32(opts.Temperature))
		if opts.MaxTokens > 0 {
			config.MaxOutputTokens = int32(opts.MaxTokens)
		}
		if opts.TopP > 0 {
			config.TopP = genai.Ptr(float32(opts.TopP))
		}
		config.StopSequences = opts.Stop
		if opts.JSONMode {
			config.ResponseMIMEType = "application/json"
		}
	}
	return model, contents, config
}

func geminiText(result *genai.GenerateContentResponse) (string, error) {
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", ErrEmptyResponse
	}
	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

// classifyGeminiError maps SDK errors onto the package sentinels.
func classifyGeminiError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "API key") || strings.Contains(msg, "PERMISSION_DENIED"):
		return fmt.Errorf("%w: %v", ErrNoAPIKey, err)
	case strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %v", ErrRateLimit, err)
	case strings.Contains(msg, "NOT_FOUND"):
		return fmt.Errorf("%w: %v", ErrInvalidModel, err)
	default:
		return fmt.Errorf("%w: %v", ErrProviderDown, err)
	}
}
