package whatsapp

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/cache"
)

// Conversation kinds.
const (
	KindSales   = "sales"
	KindGeneric = "generic"
)

// DefaultConversationTTL keeps a thread alive for a day after its last
// message.
const DefaultConversationTTL = 24 * time.Hour

// Turn is one history entry.
type Turn struct {
	Role    string `json:"role"` // user or assistant
	Content string `json:"content"`
}

// Conversation is the state kept for one WhatsApp number.
type Conversation struct {
	History        []Turn   `json:"history"`
	Product        string   `json:"product,omitempty"`
	TargetName     string   `json:"target_name,omitempty"`
	ContactName    string   `json:"contact_name,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	InitialPrompt  []string `json:"initial_prompt,omitempty"`
	Closed         bool     `json:"closed,omitempty"`
}

// Append records one exchange. An empty user text is not stored.
func (c *Conversation) Append(userText, reply string) {
	if userText != "" {
		c.History = append(c.History, Turn{Role: "user", Content: userText})
	}
	c.History = append(c.History, Turn{Role: "assistant", Content: reply})
}

// Last returns at most n trailing turns.
func (c *Conversation) Last(n int) []Turn {
	if n <= 0 || len(c.History) <= n {
		return c.History
	}
	return c.History[len(c.History)-n:]
}

// merge copies the non-empty fields of patch into c. History is never
// replaced.
func (c *Conversation) merge(patch Conversation) {
	if patch.Product != "" {
		c.Product = patch.Product
	}
	if patch.TargetName != "" {
		c.TargetName = patch.TargetName
	}
	if patch.ContactName != "" {
		c.ContactName = patch.ContactName
	}
	if patch.Recommendation != "" {
		c.Recommendation = patch.Recommendation
	}
	if len(patch.InitialPrompt) > 0 {
		c.InitialPrompt = patch.InitialPrompt
	}
	if patch.Closed {
		c.Closed = true
	}
}

// ConversationStore persists conversations in a cache, keyed by kind and
// the digits of the WhatsApp number.
type ConversationStore struct {
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewConversationStore creates a store. A disabled cache is replaced by an
// in-memory one so threads survive between webhook calls.
func NewConversationStore(c cache.Cache, ttl time.Duration, logger *zap.Logger) *ConversationStore {
	if ttl <= 0 {
		ttl = DefaultConversationTTL
	}
	c = cache.ForState(c, ttl)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationStore{cache: c, ttl: ttl, logger: logger}
}

func key(kind, number string) string {
	return "wa:" + kind + ":" + ExtractNumber(number)
}

// Get loads a conversation. found is false when nothing is stored.
func (s *ConversationStore) Get(ctx context.Context, kind, number string) (conv Conversation, found bool, err error) {
	if ExtractNumber(number) == "" {
		return Conversation{}, false, nil
	}
	err = cache.GetJSON(ctx, s.cache, key(kind, number), &conv)
	if errors.Is(err, cache.ErrMiss) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, err
	}
	return conv, true, nil
}

// Put replaces a conversation.
func (s *ConversationStore) Put(ctx context.Context, kind, number string, conv Conversation) error {
	if ExtractNumber(number) == "" {
		return nil
	}
	return cache.SetJSON(ctx, s.cache, key(kind, number), conv, s.ttl)
}

// SetContext merges patch into the stored conversation, creating it when
// absent.
func (s *ConversationStore) SetContext(ctx context.Context, kind, number string, patch Conversation) error {
	if ExtractNumber(number) == "" {
		return nil
	}
	conv, _, err := s.Get(ctx, kind, number)
	if err != nil {
		return err
	}
	conv.merge(patch)
	if err := s.Put(ctx, kind, number, conv); err != nil {
		return err
	}
	s.logger.Info("wa_ctx_set",
		zap.String("kind", kind),
		zap.String("user_tail", tail(ExtractNumber(number), 6)),
		zap.Int("history_len", len(conv.History)))
	return nil
}
