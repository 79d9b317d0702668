package intent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/prompts"
)

// TransferConfidence is the minimum classifier confidence for a transfer.
const TransferConfidence = 0.65

var transferSlots = []Slot{
	{Key: "amount", Hint: "monto / cantidad (con o sin moneda, ej. 10.000 ARS o USD 100)"},
	{Key: "recipient", Hint: "destinatario (nombre o alias, ej. Juan, @maria)"},
}

const transferFallback = "Necesito un dato más para continuar. ¿Podés indicarme el monto y/o destinatario?"

// MoneyTransfer collects amount and recipient over several turns and
// confirms a demo transfer.
type MoneyTransfer struct {
	cls  classifier
	flow slotFlow
}

// NewMoneyTransfer creates the detector.
func NewMoneyTransfer(cls classifier, store *StateStore) *MoneyTransfer {
	t := &MoneyTransfer{cls: cls}
	t.flow = slotFlow{
		name:     NameMoneyTransfer,
		required: transferSlots,
		pending:  StageAskMissing,
		store:    store,
		logger:   cls.logger,
		extract: func(ctx context.Context, text string) map[string]string {
			return cls.slots(ctx, prompts.TransferSlots, text, "amount", "recipient")
		},
		reprompt: func(ctx context.Context, text string, missing []Slot) string {
			return cls.reprompt(ctx, prompts.TransferReprompt, text, missing, transferFallback)
		},
		execute: t.execute,
	}
	return t
}

func (t *MoneyTransfer) Name() string { return NameMoneyTransfer }

// TryHandle runs the gate, then the confidence classifier, then starts
// slot filling.
func (t *MoneyTransfer) TryHandle(ctx context.Context, sessionID, text string) (Result, error) {
	if !t.cls.gate(ctx, prompts.TransferGate, text, "is_transfer") {
		return NotHandled, nil
	}

	var data map[string]any
	if err := t.cls.json(ctx, prompts.TransferDetect, map[string]string{"user_text": text}, &data); err != nil {
		t.cls.logger.Warn("transfer_detect_error", zap.Error(err))
		return NotHandled, nil
	}
	name := llm.String(data["intent"])
	conf, _ := llm.Float(data["confidence"])
	if name != NameMoneyTransfer || conf < TransferConfidence {
		t.cls.logger.Debug("transfer_detect_rejected", zap.String("intent", name), zap.Float64("confidence", conf))
		return NotHandled, nil
	}
	t.cls.logger.Info("intent_detected", zap.String("intent", name), zap.Float64("confidence", conf))

	return t.flow.start(ctx, sessionID, text, t.flow.extract(ctx, text))
}

// Resume merges the new slots into the pending transfer.
func (t *MoneyTransfer) Resume(ctx context.Context, sessionID, text string) (Result, error) {
	return t.flow.resume(ctx, sessionID, text)
}

func (t *MoneyTransfer) execute(_ context.Context, _ string, slots map[string]string) Result {
	amount, recipient := slots["amount"], slots["recipient"]
	if value, currency, err := ParseAmount(amount); err == nil {
		t.cls.logger.Info("transfer_execute",
			zap.String("amount", value.String()),
			zap.String("currency", currency),
			zap.String("recipient", recipient))
	} else {
		t.cls.logger.Info("transfer_execute", zap.String("amount_raw", amount), zap.String("recipient", recipient))
	}
	return handled(t.Name(), StageCompleted, fmt.Sprintf("✅ Transferencia enviada: %s a %s. (Demo)", amount, recipient))
}

var (
	currencyRe = regexp.MustCompile(`(?i)(\bARS\b|\bUSD\b|\bEUR\b|U\$S|US\$|\$)`)
	numberRe   = regexp.MustCompile(`\d[\d.,]*`)
)

// ParseAmount reads amounts like "10.000 ARS", "USD 250" or "1,5". A lone
// separator followed by groups of exactly three digits is a thousands
// separator; otherwise the comma is the decimal mark. The currency is empty
// when none is given.
func ParseAmount(s string) (decimal.Decimal, string, error) {
	num := numberRe.FindString(s)
	if num == "" {
		return decimal.Zero, "", fmt.Errorf("intent: no amount in %q", s)
	}
	currency := ""
	if m := currencyRe.FindString(s); m != "" {
		currency = strings.ToUpper(m)
		if currency == "$" {
			currency = "ARS"
		} else if strings.Contains(currency, "$") {
			currency = "USD"
		}
	}

	num = strings.TrimRight(num, ".,")
	switch {
	case strings.Contains(num, ",") && strings.Contains(num, "."):
		// The last separator is the decimal mark.
		if strings.LastIndex(num, ",") > strings.LastIndex(num, ".") {
			num = strings.ReplaceAll(num, ".", "")
			num = strings.ReplaceAll(num, ",", ".")
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	case isThousands(num, ","):
		num = strings.ReplaceAll(num, ",", "")
	case strings.Contains(num, ","):
		num = strings.ReplaceAll(num, ",", ".")
	case isThousands(num, "."):
		num = strings.ReplaceAll(num, ".", "")
	}
	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("intent: parse amount %q: %w", s, err)
	}
	return d, currency, nil
}

func isThousands(num, sep string) bool {
	parts := strings.Split(num, sep)
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) != 3 {
			return false
		}
	}
	return true
}
