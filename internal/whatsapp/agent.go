package whatsapp

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/prompts"
)

// Fixed replies of the sales agent.
const (
	SalesStopReply     = "Entendido, detengo la conversación. ¡Gracias por tu tiempo!"
	SalesClosedReply   = "Ya detuvimos la conversación. Si querés retomar, escribí 'quiero info'."
	SalesEmptyReply    = "Gracias. ¿Te comparto 3 beneficios y un precio estimado?"
	SalesErrorReply    = "Estoy con problemas técnicos. ¿Querés que te escriba más tarde?"
	GenericErrorReply  = "Lo siento, hubo un problema técnico al procesar tu mensaje."
	DefaultProduct     = "producto"
	DefaultHistorySize = 10
	ReplyTemperature   = 0.3
)

var stopWords = []string{"detener venta", "stop", "baja", "no quiero"}

// Replier answers one inbound WhatsApp message.
type Replier interface {
	Reply(ctx context.Context, from, to, text string) string
}

type agentBase struct {
	provider llm.Provider
	template prompts.Template
	store    *ConversationStore
	model    string
	turns    int
	logger   *zap.Logger
}

func newAgentBase(provider llm.Provider, tpl prompts.Template, store *ConversationStore, opts []AgentOption) agentBase {
	b := agentBase{
		provider: provider,
		template: tpl,
		store:    store,
		turns:    DefaultHistorySize,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// AgentOption configures the sales agent and the generic hook.
type AgentOption func(*agentBase)

// WithAgentModel sets the chat model.
func WithAgentModel(m string) AgentOption { return func(b *agentBase) { b.model = m } }

// WithHistoryTurns caps the history sent to the model.
func WithHistoryTurns(n int) AgentOption {
	return func(b *agentBase) {
		if n > 0 {
			b.turns = n
		}
	}
}

// WithAgentLogger sets the logger.
func WithAgentLogger(l *zap.Logger) AgentOption { return func(b *agentBase) { b.logger = l } }

// systemMessages renders the system entries of the template.
func (b agentBase) systemMessages(vars map[string]string) []llm.Message {
	var out []llm.Message
	for _, m := range b.template.Format(vars) {
		if m.Role == llm.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

func historyMessages(turns []Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case "user":
			out = append(out, llm.UserMessage(t.Content))
		case "assistant":
			out = append(out, llm.AssistantMessage(t.Content))
		}
	}
	return out
}

func (b agentBase) chat(ctx context.Context, msgs []llm.Message) (string, error) {
	resp, err := b.provider.Chat(ctx, msgs, &llm.ChatOptions{Model: b.model, Temperature: ReplyTemperature})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// SalesAgent continues an outbound sales thread started by the
// outbound_sales_call intent.
type SalesAgent struct {
	agentBase
}

// NewSalesAgent creates the agent. tpl is the system prompt and receives
// {product} and {target_name}.
func NewSalesAgent(provider llm.Provider, tpl prompts.Template, store *ConversationStore, opts ...AgentOption) *SalesAgent {
	return &SalesAgent{agentBase: newAgentBase(provider, tpl, store, opts)}
}

// Reply answers text. The thread is looked up by sender and then by
// recipient; an unknown thread starts with a generic product.
func (a *SalesAgent) Reply(ctx context.Context, from, to, text string) string {
	start := time.Now()
	conv, found, err := a.store.Get(ctx, KindSales, from)
	if err == nil && !found {
		conv, found, err = a.store.Get(ctx, KindSales, to)
	}
	if err != nil {
		a.logger.Warn("wa_ctx_load_error", zap.Error(err))
	}
	if !found {
		conv = Conversation{Product: DefaultProduct}
	}
	owner := from
	if ExtractNumber(owner) == "" {
		owner = to
	}
	a.logger.Info("wa_ctx",
		zap.String("product", conv.Product),
		zap.String("target", conv.TargetName),
		zap.Bool("closed", conv.Closed),
		zap.Int("history_len", len(conv.History)))

	lower := strings.ToLower(text)
	for _, w := range stopWords {
		if strings.Contains(lower, w) {
			conv.Closed = true
			a.save(ctx, owner, conv)
			a.logger.Info("wa_stop", zap.String("reply", SalesStopReply))
			return SalesStopReply
		}
	}
	if conv.Closed {
		a.logger.Info("wa_closed_reply", zap.String("reply", SalesClosedReply))
		return SalesClosedReply
	}

	product := conv.Product
	if product == "" {
		product = DefaultProduct
	}
	msgs := a.systemMessages(map[string]string{"product": product, "target_name": conv.TargetName})
	msgs = append(msgs, historyMessages(conv.Last(a.turns))...)
	msgs = append(msgs, llm.UserMessage(text))

	reply, err := a.chat(ctx, msgs)
	switch {
	case err != nil:
		a.logger.Error("wa_llm_error", zap.Error(err))
		reply = SalesErrorReply
	case reply == "":
		reply = SalesEmptyReply
	}

	conv.Append(text, reply)
	a.save(ctx, owner, conv)
	a.logger.Info("wa_reply", zap.Duration("latency", time.Since(start)), zap.Int("reply_len", len(reply)))
	return reply
}

func (a *SalesAgent) save(ctx context.Context, number string, conv Conversation) {
	if err := a.store.Put(ctx, KindSales, number, conv); err != nil {
		a.logger.Warn("wa_ctx_save_error", zap.Error(err))
	}
}

// GenericHook continues a conversation opened by an outbound message such
// as the portfolio rotation.
type GenericHook struct {
	agentBase
}

// NewGenericHook creates the hook. tpl may use {product}, {target_name},
// {contact_name} and {recommendation}; only its system entries are used.
func NewGenericHook(provider llm.Provider, tpl prompts.Template, store *ConversationStore, opts ...AgentOption) *GenericHook {
	return &GenericHook{agentBase: newAgentBase(provider, tpl, store, opts)}
}

// Reply answers text from the sender's number. The prompt that produced
// the opening message is replayed as system context on the first reply.
func (h *GenericHook) Reply(ctx context.Context, from, _ string, text string) string {
	conv, _, err := h.store.Get(ctx, KindGeneric, from)
	if err != nil {
		h.logger.Warn("wa_ctx_load_error", zap.Error(err))
	}

	msgs := h.systemMessages(map[string]string{
		"product":        conv.Product,
		"target_name":    conv.TargetName,
		"contact_name":   conv.ContactName,
		"recommendation": conv.Recommendation,
		"user_message":   "",
	})
	if len(conv.History) == 0 {
		for _, p := range conv.InitialPrompt {
			msgs = append(msgs, llm.SystemMessage(p))
		}
	}
	msgs = append(msgs, historyMessages(conv.Last(h.turns))...)
	msgs = append(msgs, llm.UserMessage(text))

	h.logger.Info("wa_llm_start", zap.Int("messages", len(msgs)))
	reply, err := h.chat(ctx, msgs)
	if err != nil {
		h.logger.Error("wa_llm_error", zap.Error(err))
		reply = GenericErrorReply
	}

	conv.Append(text, reply)
	if err := h.store.Put(ctx, KindGeneric, from, conv); err != nil {
		h.logger.Warn("wa_ctx_save_error", zap.Error(err))
	}
	return reply
}
