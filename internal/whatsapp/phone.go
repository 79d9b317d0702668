package whatsapp

import (
	"context"
	"regexp"
	"strings"

	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/prompts"
)

// Prefix marks a Twilio WhatsApp address.
const Prefix = "whatsapp:"

var e164Re = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// ExtractNumber keeps only the digits of a WhatsApp address such as
// "whatsapp:+14155238886".
func ExtractNumber(addr string) string {
	var b strings.Builder
	for _, r := range addr {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// EnsurePrefix adds the whatsapp: prefix when missing.
func EnsurePrefix(num string) string {
	num = strings.TrimSpace(num)
	if num == "" || strings.HasPrefix(num, Prefix) {
		return num
	}
	return Prefix + num
}

// NormalizeAR formats an Argentine phone string as E.164 without any model
// call. Numbers already carrying a country code are kept as they are.
func NormalizeAR(phone string) string {
	phone = strings.TrimPrefix(strings.TrimSpace(phone), Prefix)
	digits := ExtractNumber(phone)
	if digits == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(phone, "+"):
		return "+" + digits
	case strings.HasPrefix(digits, "54"):
		return "+" + digits
	default:
		return "+54" + strings.TrimLeft(digits, "0")
	}
}

// ToE164 asks the model to format phone as E.164 for Argentina and falls
// back to NormalizeAR when the call fails or the answer is not a valid
// number. tpl receives {phone}.
func ToE164(ctx context.Context, provider llm.Provider, tpl prompts.Template, model, phone string) string {
	if provider != nil && len(tpl.Messages) > 0 {
		msgs := tpl.Format(map[string]string{"phone": phone})
		resp, err := provider.Chat(ctx, msgs, &llm.ChatOptions{Model: model, Temperature: 0})
		if err == nil {
			clean := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", Prefix, "").Replace(strings.TrimSpace(resp.Content))
			if e164Re.MatchString(clean) {
				return clean
			}
		}
	}
	return NormalizeAR(phone)
}
