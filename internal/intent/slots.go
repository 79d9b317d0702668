package intent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/prompts"
)

// Slot is a required field and the hint shown when it is missing.
type Slot struct {
	Key  string
	Hint string
}

func slotKeys(slots []Slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Key
	}
	return out
}

// ── LLM helpers ──

// classifier runs the JSON prompts shared by every detector.
type classifier struct {
	provider llm.Provider
	prompts  *prompts.IntentLoader
	model    string
	logger   *zap.Logger
}

// json renders the named prompt with user_text and decodes the JSON answer.
func (c classifier) json(ctx context.Context, name string, vars map[string]string, v any) error {
	tpl, err := c.prompts.Get(name)
	if err != nil {
		return err
	}
	resp, err := c.provider.Chat(ctx, tpl.Format(vars), &llm.ChatOptions{Model: c.model, Temperature: 0, JSONMode: true})
	if err != nil {
		return err
	}
	c.logger.Debug("intent_llm_raw", zap.String("prompt", name), zap.String("raw", resp.Content))
	return llm.DecodeJSON(resp.Content, v)
}

// gate asks a yes/no prompt. The first alias key present decides; any
// failure counts as no.
func (c classifier) gate(ctx context.Context, name, text string, keys ...string) bool {
	var data map[string]any
	if err := c.json(ctx, name, map[string]string{"user_text": text}, &data); err != nil {
		c.logger.Warn("intent_gate_error", zap.String("prompt", name), zap.Error(err))
		return false
	}
	return llm.FirstBool(data, keys...)
}

// slots extracts {"slots": {...}} keeping non-empty string values of keys.
func (c classifier) slots(ctx context.Context, name, text string, keys ...string) map[string]string {
	var data struct {
		Slots map[string]any `json:"slots"`
	}
	if err := c.json(ctx, name, map[string]string{"user_text": text}, &data); err != nil {
		c.logger.Warn("slot_extraction_error", zap.String("prompt", name), zap.Error(err))
		return map[string]string{}
	}
	return pick(data.Slots, keys...)
}

// reprompt asks the model for a follow-up question, or returns fallback.
func (c classifier) reprompt(ctx context.Context, name, text string, missing []Slot, fallback string) string {
	hints := make([]string, len(missing))
	for i, m := range missing {
		hints[i] = fmt.Sprintf("- %s: %s", m.Key, m.Hint)
	}
	var data struct {
		Reprompt string `json:"reprompt"`
	}
	err := c.json(ctx, name, map[string]string{
		"user_text":    text,
		"missing_keys": strings.Join(slotKeys(missing), ", "),
		"hints":        strings.Join(hints, "\n"),
	}, &data)
	if err != nil {
		c.logger.Warn("reprompt_build_error", zap.String("prompt", name), zap.Error(err))
		return fallback
	}
	if r := strings.TrimSpace(data.Reprompt); r != "" {
		return r
	}
	return fallback
}

// pick keeps the non-empty string values of keys.
func pick(m map[string]any, keys ...string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out[k] = s
			}
		}
	}
	return out
}

// ── Multi-turn slot filling ──

// slotFlow collects required slots across turns and executes once they
// are all present. State lives in the StateStore under the session.
type slotFlow struct {
	name     string
	required []Slot
	pending  Stage
	store    *StateStore
	logger   *zap.Logger

	extract  func(ctx context.Context, text string) map[string]string
	reprompt func(ctx context.Context, text string, missing []Slot) string
	execute  func(ctx context.Context, sessionID string, slots map[string]string) Result
}

func (f slotFlow) missing(slots map[string]string) []Slot {
	var out []Slot
	for _, s := range f.required {
		if slots[s.Key] == "" {
			out = append(out, s)
		}
	}
	return out
}

// start begins a fresh session with already extracted slots.
func (f slotFlow) start(ctx context.Context, sessionID, text string, extracted map[string]string) (Result, error) {
	return f.advance(ctx, sessionID, text, nil, extracted)
}

// resume continues the pending session, if it belongs to this flow.
func (f slotFlow) resume(ctx context.Context, sessionID, text string) (Result, error) {
	st, ok, err := f.store.Load(ctx, sessionID)
	if err != nil {
		return NotHandled, err
	}
	if !ok || st.Intent != f.name {
		return NotHandled, nil
	}
	return f.advance(ctx, sessionID, text, st.Slots, f.extract(ctx, text))
}

func (f slotFlow) advance(ctx context.Context, sessionID, text string, prev, extracted map[string]string) (Result, error) {
	merged := make(map[string]string, len(prev)+len(extracted))
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range extracted {
		if v != "" {
			merged[k] = v
		}
	}

	if missing := f.missing(merged); len(missing) > 0 {
		msg := f.reprompt(ctx, text, missing)
		err := f.store.Save(ctx, sessionID, SlotState{
			Intent:       f.name,
			Slots:        merged,
			Missing:      slotKeys(missing),
			LastReprompt: msg,
		})
		f.logger.Info("intent_slots_missing", zap.String("intent", f.name), zap.Strings("missing", slotKeys(missing)))
		return handled(f.name, f.pending, msg), err
	}

	if err := f.store.Clear(ctx, sessionID); err != nil {
		f.logger.Warn("intent_state_clear_error", zap.Error(err))
	}
	return f.execute(ctx, sessionID, merged), nil
}
