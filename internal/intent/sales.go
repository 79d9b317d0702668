package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/prompts"
	"github.com/seenimoa/zchatbot/internal/whatsapp"
)

// Outbound sales answers.
const (
	SalesMissingProduct = "Falta el producto a vender."
	SalesMissingTo      = "WHATSAPP_TO no está configurado."
	SalesMissingFrom    = "WHATSAPP_FROM no está configurado."
	SalesStarted        = "OK, inicié la venta por WhatsApp y seguiré la conversación allí."
	SalesSendFailed     = "No pude enviar el WhatsApp (revisá credenciales/ventana de 24h)."
)

var salesSlots = []Slot{{Key: "product", Hint: "¿Qué producto querés vender?"}}

// jsonAnswer is the payload returned by intents that report to a UI.
type jsonAnswer struct {
	Answer       string `json:"answer"`
	Intent       string `json:"intent"`
	SpecificFlag string `json:"specific_flag,omitempty"`
	SID          string `json:"sid,omitempty"`
}

func (a jsonAnswer) String() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(a)
	return strings.TrimSpace(buf.String())
}

// OutboundSales opens a WhatsApp sales thread with the configured target.
// The first message is a fixed pitch; the sales agent takes over the
// replies through the webhook.
type OutboundSales struct {
	cls           classifier
	flow          slotFlow
	sender        whatsapp.Sender
	conversations *whatsapp.ConversationStore
	to, from      string
}

// NewOutboundSales creates the detector. to and from are the WhatsApp
// addresses of the target and of the business line.
func NewOutboundSales(cls classifier, store *StateStore, sender whatsapp.Sender, conv *whatsapp.ConversationStore, to, from string) *OutboundSales {
	s := &OutboundSales{cls: cls, sender: sender, conversations: conv, to: to, from: from}
	s.flow = slotFlow{
		name:     NameOutboundSales,
		required: salesSlots,
		pending:  StageReprompt,
		store:    store,
		logger:   cls.logger,
		extract: func(ctx context.Context, text string) map[string]string {
			_, slots := s.detect(ctx, text)
			return slots
		},
		reprompt: func(_ context.Context, _ string, missing []Slot) string {
			hints := make([]string, len(missing))
			for i, m := range missing {
				hints[i] = m.Hint
			}
			return "Para iniciar la venta necesito un dato: " + strings.Join(hints, "; ")
		},
		execute: s.execute,
	}
	return s
}

func (s *OutboundSales) Name() string { return NameOutboundSales }

// detect runs the single detection prompt that returns both the flag and
// the slots.
func (s *OutboundSales) detect(ctx context.Context, text string) (bool, map[string]string) {
	var data map[string]any
	if err := s.cls.json(ctx, prompts.OutboundSalesDetect, map[string]string{"user_text": text}, &data); err != nil {
		s.cls.logger.Warn("outbound_sales_detect_error", zap.Error(err))
		return false, map[string]string{}
	}
	ok := llm.FirstBool(data, "outbound_sales_call", "outbound_call", "start_whatsapp_sales", "is_outbound", "should_call")
	return ok, pick(data, "product", "target_name")
}

// TryHandle starts a sales thread when the message asks for one.
func (s *OutboundSales) TryHandle(ctx context.Context, sessionID, text string) (Result, error) {
	ok, slots := s.detect(ctx, text)
	if !ok {
		return NotHandled, nil
	}
	return s.flow.start(ctx, sessionID, text, slots)
}

// Resume fills the product left pending.
func (s *OutboundSales) Resume(ctx context.Context, sessionID, text string) (Result, error) {
	return s.flow.resume(ctx, sessionID, text)
}

func (s *OutboundSales) execute(ctx context.Context, _ string, slots map[string]string) Result {
	answer := func(stage Stage, msg, sid string) Result {
		r := handled(s.Name(), stage, "")
		r.Message = jsonAnswer{Answer: msg, Intent: s.Name(), SpecificFlag: string(stage), SID: sid}.String()
		return r
	}

	product, target := slots["product"], slots["target_name"]
	switch {
	case product == "":
		return answer(StageError, SalesMissingProduct, "")
	case s.to == "":
		return answer(StageError, SalesMissingTo, "")
	case s.from == "":
		return answer(StageError, SalesMissingFrom, "")
	}
	to := whatsapp.EnsurePrefix(s.to)

	if s.conversations != nil {
		err := s.conversations.SetContext(ctx, whatsapp.KindSales, to, whatsapp.Conversation{Product: product, TargetName: target})
		if err != nil {
			s.cls.logger.Warn("outbound_sales_ctx_error", zap.Error(err))
		}
	}

	if s.sender == nil {
		return answer(StageError, SalesSendFailed, "")
	}
	sid, err := s.sender.Send(ctx, to, Pitch(product, target))
	if err != nil {
		s.cls.logger.Error("outbound_sales_send_error", zap.Error(err))
		return answer(StageError, SalesSendFailed, "")
	}
	s.cls.logger.Info("outbound_sales_started", zap.String("product", product), zap.String("sid", sid))
	return answer(StageExecuted, SalesStarted, sid)
}

// Pitch is the opening message of a sales thread.
func Pitch(product, targetName string) string {
	greeting := "¿cómo estás?"
	if targetName != "" {
		greeting = targetName
	}
	return "Hola " + greeting + " 👋\nTe contacto por *" + product + "*. ¿Querés que te comparta 3 beneficios y el precio estimado?"
}
