package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/bot"
	"github.com/seenimoa/zchatbot/internal/whatsapp"
)

const missingQuestion = "Missing 'question' in request body"

// AskRequest is the body for POST /chatbot/ask.
type AskRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatMetrics is logged and broadcast after every answered question.
type ChatMetrics struct {
	Mode       string  `json:"mode"`
	DocsFound  int     `json:"docs_found"`
	BestScore  float64 `json:"best_score"`
	Threshold  float64 `json:"threshold"`
	PromptName string  `json:"prompt_name"`
	LatencyMS  int64   `json:"latency_ms"`
	LenQ       int     `json:"len_q"`
}

func newChatMetrics(m bot.Metrics, question string, elapsed time.Duration) ChatMetrics {
	return ChatMetrics{
		Mode:       m.Mode,
		DocsFound:  m.DocsFound,
		BestScore:  m.BestScore,
		Threshold:  m.Threshold,
		PromptName: m.PromptName,
		LatencyMS:  elapsed.Milliseconds(),
		LenQ:       len([]rune(question)),
	}
}

func (s *Server) logChatMetrics(cm ChatMetrics) {
	s.logger.Info("chat_metrics",
		zap.String("mode", cm.Mode),
		zap.Int("docs_found", cm.DocsFound),
		zap.Float64("best_score", cm.BestScore),
		zap.Float64("threshold", cm.Threshold),
		zap.String("prompt_name", cm.PromptName),
		zap.Int64("latency_ms", cm.LatencyMS),
		zap.Int("len_q", cm.LenQ))
	s.wsHub.Broadcast(WSMessage{Type: "chat_metrics", Data: cm})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, missingQuestion)
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		writeDetail(w, http.StatusBadRequest, missingQuestion)
		return
	}
	sid := req.SessionID
	if sid == "" {
		sid = bot.DefaultSession
	}

	answer, err := s.engine.Handle(r.Context(), sid, question)
	if err != nil {
		s.logger.Error("chat_error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
		return
	}

	s.logChatMetrics(newChatMetrics(bot.LastMetrics(s.engine), question, time.Since(start)))
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

// handleWhatsAppWebhook answers an inbound sandbox message with the bot and
// sends the reply back through Twilio.
func (s *Server) handleWhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	in, err := whatsapp.ParseInbound(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("whatsapp_inbound",
		zap.String("message_sid", in.MessageSID),
		zap.String("from", in.From),
		zap.Int("body_len", len(in.Body)))

	if s.sender == nil {
		writeDetail(w, http.StatusServiceUnavailable, "WhatsApp sender not configured")
		return
	}

	sid := whatsapp.ExtractNumber(in.From)
	if sid == "" {
		sid = bot.DefaultSession
	}
	reply, err := s.engine.Handle(r.Context(), sid, in.Body)
	if err != nil {
		s.logger.Error("chat_error", zap.String("channel", "whatsapp"), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
		return
	}

	if _, err := s.sender.Send(r.Context(), in.From, reply); err != nil {
		s.logger.Error("whatsapp_reply_error", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"status": "error", "detail": err.Error()})
		return
	}
	s.logger.Info("whatsapp_reply_sent", zap.String("message_sid", in.MessageSID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// handleWAHook answers with TwiML produced by the configured conversation
// hook (sales agent or generic hook).
func (s *Server) handleWAHook(w http.ResponseWriter, r *http.Request) {
	in, err := whatsapp.ParseInbound(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.cfg != nil && s.cfg.Twilio.ValidateSig {
		url := strings.TrimRight(s.cfg.Twilio.PublicURL, "/") + r.URL.RequestURI()
		if !whatsapp.ValidateSignature(s.cfg.Twilio.AuthToken, url, in.Params, r.Header.Get("X-Twilio-Signature")) {
			s.logger.Warn("whatsapp_bad_signature", zap.String("message_sid", in.MessageSID))
			writeDetail(w, http.StatusForbidden, "invalid signature")
			return
		}
	}
	if s.waHook == nil {
		writeDetail(w, http.StatusServiceUnavailable, "WhatsApp hook not configured")
		return
	}

	reply := s.waHook.Reply(r.Context(), in.From, in.To, in.Body)
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(whatsapp.TwiML(reply)))
}
