// Package bot implements the answering engines behind the chat endpoints:
// a prompt-only bot, the hybrid RAG/fallback bot, a reranked RAG bot over
// the retrieval pipeline, and file-injecting variants.
package bot

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/llm"
)

var (
	ErrUnknownLogic = errors.New("bot: unknown bot logic")
	ErrNoProvider   = errors.New("bot: llm provider required")
	ErrNoStore      = errors.New("bot: vector store required")
)

// Answer modes recorded in Metrics.
const (
	ModeRAG      = "rag"
	ModeFallback = "fallback"
	ModeFile     = "file"
	ModeIntent   = "intent"
	ModeError    = "error"
)

// DefaultSession is used when a caller does not supply a session id.
const DefaultSession = "default"

// Engine answers one user question within a session.
type Engine interface {
	Handle(ctx context.Context, sessionID, question string) (string, error)
}

// Metrics describes how the last question was answered.
type Metrics struct {
	Mode       string  `json:"mode"`
	DocsFound  int     `json:"docs_found"`
	BestScore  float64 `json:"best_score"`
	Threshold  float64 `json:"threshold"`
	PromptName string  `json:"prompt_name"`
	Intent     string  `json:"intent,omitempty"`
}

// MetricsReporter is implemented by engines that record per-answer metrics.
type MetricsReporter interface {
	LastMetrics() Metrics
}

// LastMetrics returns e's metrics, or the zero value when e does not report
// any.
func LastMetrics(e Engine) Metrics {
	if r, ok := e.(MetricsReporter); ok {
		return r.LastMetrics()
	}
	return Metrics{}
}

type metricsBox struct {
	mu   sync.Mutex
	last Metrics
}

func (b *metricsBox) set(m Metrics) {
	b.mu.Lock()
	b.last = m
	b.mu.Unlock()
}

// LastMetrics returns the metrics of the most recent answer.
func (b *metricsBox) LastMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// ── Options ──

type settings struct {
	logger      *zap.Logger
	model       string
	temperature float64
	maxTokens   int
	topK        int
	threshold   float64
	sessions    *Sessions
}

func defaults() settings {
	return settings{
		logger:    zap.NewNop(),
		topK:      4,
		threshold: 0.4,
	}
}

func (s settings) chatOptions() *llm.ChatOptions {
	return &llm.ChatOptions{Model: s.model, Temperature: s.temperature, MaxTokens: s.maxTokens}
}

func (s *settings) sessionStore() *Sessions {
	if s.sessions == nil {
		s.sessions = NewSessions(20)
	}
	return s.sessions
}

// Option configures an engine.
type Option func(*settings)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithModel sets the chat model. Empty keeps the provider default.
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(s *settings) { s.temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(s *settings) { s.maxTokens = n }
}

// WithTopK sets how many documents are retrieved.
func WithTopK(k int) Option {
	return func(s *settings) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithThreshold sets the minimum relevance score for RAG mode.
func WithThreshold(t float64) Option {
	return func(s *settings) { s.threshold = t }
}

// WithSessions shares a session memory store between engines.
func WithSessions(ss *Sessions) Option {
	return func(s *settings) { s.sessions = ss }
}

func sessionOrDefault(id string) string {
	if id == "" {
		return DefaultSession
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
