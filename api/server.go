// Package api provides the HTTP server for zchatbot.
//
// It exposes the chatbot endpoint, the WhatsApp webhooks, the portfolio
// and news research endpoints, the management analysis endpoints and the
// WebSocket chat and bot sockets.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/analysis"
	"github.com/seenimoa/zchatbot/internal/bot"
	"github.com/seenimoa/zchatbot/internal/config"
	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/news"
	"github.com/seenimoa/zchatbot/internal/portfolio"
	"github.com/seenimoa/zchatbot/internal/whatsapp"
)

// Version is reported by the health endpoint. Set at build time.
var Version = "dev"

// ErrNoEngine is returned by NewServer without a bot engine.
var ErrNoEngine = errors.New("api: bot engine required")

// Deps are the services the handlers call. Only Engine is required; routes
// whose service is missing answer 503.
type Deps struct {
	Engine    bot.Engine
	LLM       llm.Provider
	Sender    whatsapp.Sender
	WAHook    whatsapp.Replier
	Portfolio *portfolio.Store
	News      *news.Ingestor
	Analysis  *analysis.Service
	Logger    *zap.Logger
}

// Server is the HTTP API server.
type Server struct {
	router    chi.Router
	cfg       *config.Config
	engine    bot.Engine
	llm       llm.Provider
	sender    whatsapp.Sender
	waHook    whatsapp.Replier
	portfolio *portfolio.Store
	news      *news.Ingestor
	analysis  *analysis.Service
	wsHub     *WSHub
	logger    *zap.Logger
}

// NewServer creates a configured API server with all routes and middleware.
func NewServer(cfg *config.Config, d Deps) (*Server, error) {
	if d.Engine == nil {
		return nil, ErrNoEngine
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	srv := &Server{
		cfg:       cfg,
		engine:    d.Engine,
		llm:       d.LLM,
		sender:    d.Sender,
		waHook:    d.WAHook,
		portfolio: d.Portfolio,
		news:      d.News,
		analysis:  d.Analysis,
		wsHub:     NewWSHub(),
		logger:    d.Logger,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// Handler returns the router wrapped with OpenTelemetry instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "zchatbot",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled
// or the process receives SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go s.wsHub.Run(hubCtx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// buildRouter configures all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(recoverer(s.logger))

	origins := []string{"*"}
	if s.cfg != nil && len(s.cfg.API.CORSOrigins) > 0 {
		origins = s.cfg.API.CORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Twilio-Signature"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Sockets live outside the request timeout.
	r.Get("/ws/chat", s.handleChatSocket)
	r.Get("/ws/bot", s.handleBotSocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout()))

		r.Get("/healthz", s.handleHealthz)

		r.Post("/chatbot/ask", s.handleAsk)
		r.Post("/whatsapp/webhook", s.handleWhatsAppWebhook)
		r.Post("/wa/webhook", s.handleWAHook)

		r.Get("/process_news/search", s.handleNewsSearch)
		r.Post("/process_news/run", s.handleNewsRun)

		r.Post("/management_competition/analyze", s.handleCompetition)
		r.Post("/management_sentiment_rankings/analyze", s.handleSentimentRankings)
		r.Post("/management_sentiment_rankings_fallback/analyze", s.handleRankingsFallback)
		r.Post("/management_news_indexed/analyze", s.handleNewsIndexed)
		r.Post("/funds_reports/analyze", s.handleFundsReports)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/health", s.handleHealth)
			r.Get("/health/llm", s.handleLLMHealth)

			r.Get("/portfolios", s.handleListPortfolios)
			r.Post("/portfolios", s.handleCreatePortfolio)
			r.Get("/portfolios/{id}/securities", s.handlePortfolioSecurities)
			r.Post("/portfolios/{id}/securities", s.handleAddSecurity)
			r.Post("/portfolios/{id}/import", s.handleImportCSV)
			r.Get("/portfolios/{id}/export", s.handleExportCSV)
			r.Get("/securities/search", s.handleSecuritySearch)
			r.Get("/calendar", s.handleCalendar)

			r.Get("/config", s.handleGetConfig)
			r.Get("/config/keys", s.handleGetConfigKeys)
		})
	})

	return r
}

func (s *Server) requestTimeout() time.Duration {
	if s.cfg != nil && s.cfg.API.TimeoutSec > 0 {
		return time.Duration(s.cfg.API.TimeoutSec) * time.Second
	}
	return 120 * time.Second
}

// requestLogger emits one http_request event per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int64("latency_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// recoverer turns handler panics into a JSON 500.
func recoverer(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("http_error",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("error", rec),
					zap.Int64("latency_ms", time.Since(start).Milliseconds()),
					zap.Stack("stack"))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Internal Server Error"})
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================
// Response helpers
// ============================================================

// APIResponse is the JSON envelope of the /api/v1 routes.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIResponse{
		Success: false,
		Error:   msg,
	})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// ============================================================
// Health
// ============================================================

func (s *Server) promptName() string {
	if s.cfg == nil {
		return ""
	}
	return s.cfg.Bot.Prompt
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "prompt": s.promptName()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"status":     "ok",
		"version":    Version,
		"prompt":     s.promptName(),
		"ws_clients": s.wsHub.ClientCount(),
	}
	if s.cfg != nil {
		data["bot_logic"] = s.cfg.Bot.Logic
		data["profile"] = s.cfg.Bot.Profile
		data["intents"] = s.cfg.IntentNames()
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

type healthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

// handleLLMHealth pings every configured provider.
func (s *Server) handleLLMHealth(w http.ResponseWriter, r *http.Request) {
	if s.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "no LLM provider configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	var results map[string]error
	if hc, ok := s.llm.(healthChecker); ok {
		results = hc.HealthCheck(ctx)
	} else {
		results = map[string]error{s.llm.Name(): s.llm.Ping(ctx)}
	}

	status := make(map[string]string, len(results))
	healthy := true
	for name, err := range results {
		if err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, APIResponse{Success: healthy, Data: status})
}
