package bot

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/prompts"
)

// TopicEvent is the analytics label extracted from one exchange.
type TopicEvent struct {
	RunID           string  `json:"run_id"`
	Topic           string  `json:"topic"`
	Subtopic        *string `json:"subtopic"`
	Intent          *string `json:"intent"`
	Confidence      float64 `json:"confidence"`
	Sentiment       int     `json:"sentiment"`
	Urgency         int     `json:"urgency"`
	PIIDetected     bool    `json:"pii_detected"`
	ComplianceRisk  string  `json:"compliance_risk"`
	SuggestedAction string  `json:"suggested_action"`
	Outcome         string  `json:"outcome"`
}

var (
	complianceLevels = map[string]bool{"low": true, "med": true, "high": true}
	outcomes         = map[string]bool{"unknown": true, "success": true, "failed": true, "escalated": true, "fallback": true}
)

// UnknownTopic returns the event logged when extraction fails.
func UnknownTopic() TopicEvent {
	return TopicEvent{
		RunID:           uuid.NewString(),
		Topic:           "UNKNOWN",
		ComplianceRisk:  "low",
		SuggestedAction: "NO_ACTION",
		Outcome:         "unknown",
	}
}

// TopicExtractor labels exchanges with an LLM and logs them as topic_event.
type TopicExtractor struct {
	provider llm.Provider
	template prompts.Template
	model    string
	logger   *zap.Logger
}

// NewTopicExtractor creates an extractor using tpl, which receives
// {question} and {answer}.
func NewTopicExtractor(provider llm.Provider, tpl prompts.Template, model string, logger *zap.Logger) *TopicExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TopicExtractor{provider: provider, template: tpl, model: model, logger: logger}
}

// Extract labels the exchange. It never fails: on error the UNKNOWN event
// is logged and returned.
func (t *TopicExtractor) Extract(ctx context.Context, question, answer string) TopicEvent {
	msgs := t.template.Format(map[string]string{"question": question, "answer": answer})
	resp, err := t.provider.Chat(ctx, msgs, &llm.ChatOptions{Model: t.model, Temperature: 0, JSONMode: true})
	if err != nil {
		return t.fail(question, err)
	}
	var raw map[string]any
	if err := llm.DecodeJSON(resp.Content, &raw); err != nil {
		return t.fail(question, err)
	}

	ev := ParseTopicEvent(raw)
	t.logger.Info("topic_detected", zap.String("topic", ev.Topic))
	t.logger.Info("topic_event", zap.Any("event", ev))
	return ev
}

func (t *TopicExtractor) fail(question string, err error) TopicEvent {
	t.logger.Error("dynamic_topic_extractor_error", zap.Error(err), zap.String("query", truncate(question, 200)))
	ev := UnknownTopic()
	t.logger.Info("topic_event", zap.Any("event", ev))
	return ev
}

// ParseTopicEvent normalises a decoded model answer, clamping numeric
// fields and replacing unknown enum values with defaults.
func ParseTopicEvent(raw map[string]any) TopicEvent {
	topic := "UNKNOWN"
	if v, ok := raw["topic"]; ok && v != nil {
		topic = llm.String(v)
	}
	topic = strings.ReplaceAll(strings.TrimSpace(strings.ToUpper(topic)), " ", "_")
	topic = truncate(topic, 64)

	cr := strings.ToLower(stringOr(raw["compliance_risk"], "low"))
	if !complianceLevels[cr] {
		cr = "low"
	}
	outcome := strings.ToLower(stringOr(raw["outcome"], "unknown"))
	if !outcomes[outcome] {
		outcome = "unknown"
	}

	return TopicEvent{
		RunID:           uuid.NewString(),
		Topic:           topic,
		Subtopic:        optional(raw["subtopic"]),
		Intent:          optional(raw["intent"]),
		Confidence:      clampFloat(raw["confidence"], 0, 1, 0.5),
		Sentiment:       clampInt(raw["sentiment"], -2, 2, 0),
		Urgency:         clampInt(raw["urgency"], 0, 3, 0),
		PIIDetected:     llm.Bool(raw["pii_detected"]),
		ComplianceRisk:  cr,
		SuggestedAction: strings.ReplaceAll(strings.ToUpper(stringOr(raw["suggested_action"], "NO_ACTION")), " ", "_"),
		Outcome:         outcome,
	}
}

func stringOr(v any, dflt string) string {
	if v == nil {
		return dflt
	}
	return llm.String(v)
}

func optional(v any) *string {
	s := strings.TrimSpace(stringOr(v, ""))
	if s == "" {
		return nil
	}
	return &s
}

func clampFloat(v any, lo, hi, dflt float64) float64 {
	f, ok := llm.Float(v)
	if !ok || math.IsNaN(f) {
		return dflt
	}
	return math.Max(lo, math.Min(hi, f))
}

func clampInt(v any, lo, hi, dflt int) int {
	f, ok := llm.Float(v)
	if !ok || math.IsNaN(f) {
		return dflt
	}
	n := int(f)
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// TopicLogger runs a TopicExtractor after every answer of the wrapped
// engine.
type TopicLogger struct {
	Engine
	Extractor *TopicExtractor
}

// Handle answers through the wrapped engine and labels the exchange.
func (t TopicLogger) Handle(ctx context.Context, sessionID, question string) (string, error) {
	answer, err := t.Engine.Handle(ctx, sessionID, question)
	if err != nil {
		return "", err
	}
	t.Extractor.Extract(ctx, question, answer)
	return answer, nil
}

// LastMetrics forwards to the wrapped engine.
func (t TopicLogger) LastMetrics() Metrics { return LastMetrics(t.Engine) }
