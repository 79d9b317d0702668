package intent

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/contacts"
	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/prompts"
	"github.com/seenimoa/zchatbot/internal/whatsapp"
)

// ContactFinder resolves a person by name.
type ContactFinder interface {
	Find(query string) (contacts.Contact, bool)
}

var (
	portfolioRe = regexp.MustCompile(`\bportfolio\b`)
	rotationRe  = regexp.MustCompile(`\brotacion\b`)

	accentFolder = strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u")
)

// PortfolioRotation messages every contact listed in a file with a
// personalised version of the current portfolio recommendation. Replies
// are handled by the generic WhatsApp hook, which receives the same
// prompt as conversation context.
type PortfolioRotation struct {
	provider      llm.Provider
	prompts       *prompts.IntentLoader
	model         string
	finder        ContactFinder
	sender        whatsapp.Sender
	conversations *whatsapp.ConversationStore
	contactsFile  string
	messageFile   string
	logger        *zap.Logger
}

func (p *PortfolioRotation) Name() string { return NamePortfolioRotation }

// Matches reports whether text asks for a portfolio rotation.
func (p *PortfolioRotation) Matches(text string) bool {
	t := accentFolder.Replace(strings.ToLower(text))
	return portfolioRe.MatchString(t) && rotationRe.MatchString(t)
}

// TryHandle runs the rotation when the message mentions it.
func (p *PortfolioRotation) TryHandle(ctx context.Context, _ string, text string) (Result, error) {
	if !p.Matches(text) {
		return NotHandled, nil
	}
	msg, err := p.run(ctx)
	if err != nil {
		p.logger.Error("portfolio_rotation_error", zap.Error(err))
		msg = jsonAnswer{Answer: "❌ Error ejecutando portfolio rotation", Intent: p.Name()}.String()
		return handled(p.Name(), StageError, msg), nil
	}
	return handled(p.Name(), StageExecuted, msg), nil
}

// Resume never applies.
func (p *PortfolioRotation) Resume(context.Context, string, string) (Result, error) {
	return NotHandled, nil
}

func (p *PortfolioRotation) run(ctx context.Context) (string, error) {
	names := readLines(p.contactsFile)
	if len(names) == 0 {
		return jsonAnswer{Answer: "No contacts found in file.", Intent: p.Name()}.String(), nil
	}
	recommendation := strings.Join(readLines(p.messageFile), " ")
	if recommendation == "" {
		return jsonAnswer{Answer: "No portfolio recommendations file found.", Intent: p.Name()}.String(), nil
	}

	tpl, err := p.prompts.Get(prompts.GenericHookSystem)
	if err != nil {
		return "", err
	}
	phoneTpl, err := p.prompts.Get(prompts.PhoneFormatter)
	if err != nil {
		p.logger.Warn("phone_formatter_prompt_missing", zap.Error(err))
	}

	var parts []string
	for _, name := range names {
		c, ok := p.finder.Find(name)
		if !ok || c.Phone == "" {
			parts = append(parts, "❌ No se encontró WhatsApp para "+name)
			continue
		}
		parts = append(parts, fmt.Sprintf("Contactando a %s (%s)", c.Name, c.Phone))
		parts = append(parts, p.contact(ctx, tpl, phoneTpl, c, recommendation))
	}
	return jsonAnswer{Answer: strings.Join(parts, " | "), Intent: p.Name()}.String(), nil
}

// contact sends the rotation message to one person and returns the
// per-contact result as JSON.
func (p *PortfolioRotation) contact(ctx context.Context, tpl, phoneTpl prompts.Template, c contacts.Contact, recommendation string) string {
	failed := jsonAnswer{Answer: "❌ Error sending portfolio rotation to " + c.Name, Intent: p.Name(), SpecificFlag: string(StageError)}.String()

	var msgs []llm.Message
	for _, m := range tpl.Format(map[string]string{
		"contact_name":   c.Name,
		"recommendation": recommendation,
		"user_message":   "",
	}) {
		if strings.TrimSpace(m.Content) != "" {
			msgs = append(msgs, m)
		}
	}
	resp, err := p.provider.Chat(ctx, msgs, &llm.ChatOptions{Model: p.model, Temperature: 0.3})
	if err != nil {
		p.logger.Error("portfolio_rotation_llm_error", zap.String("contact", c.Name), zap.Error(err))
		return failed
	}
	body := strings.TrimSpace(resp.Content)

	to := whatsapp.EnsurePrefix(whatsapp.ToE164(ctx, p.provider, phoneTpl, p.model, c.Phone))
	initial := make([]string, len(msgs))
	for i, m := range msgs {
		initial[i] = m.Content
	}
	if p.conversations != nil {
		err := p.conversations.SetContext(ctx, whatsapp.KindGeneric, to, whatsapp.Conversation{
			InitialPrompt:  initial,
			ContactName:    c.Name,
			Recommendation: recommendation,
		})
		if err != nil {
			p.logger.Warn("portfolio_rotation_ctx_error", zap.Error(err))
		}
	}

	if p.sender == nil {
		return failed
	}
	sid, err := p.sender.Send(ctx, to, body)
	if err != nil {
		p.logger.Error("portfolio_rotation_send_error", zap.String("contact", c.Name), zap.Error(err))
		return failed
	}
	p.logger.Info("portfolio_rotation_sent", zap.String("contact", c.Name), zap.String("sid", sid))
	return jsonAnswer{
		Answer:       fmt.Sprintf("✅ Portfolio rotation sent to %s (%s)", c.Name, c.Phone),
		Intent:       p.Name(),
		SpecificFlag: string(StageExecuted),
		SID:          sid,
	}.String()
}

// readLines returns the trimmed non-empty lines of a file, or nil when it
// cannot be read.
func readLines(path string) []string {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []string
	for _, l := range strings.Split(string(data), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
