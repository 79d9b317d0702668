// Package analysis builds the management research questions (competition,
// sentiment rankings, indexed news, fund reports) and hands them to the bot
// that owns each document set.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/config"
	"github.com/seenimoa/zchatbot/internal/prompts"
)

// Question template names, also their file names (plus ".txt") in the
// questions directory.
const (
	QuestionCompetitionQ10 = "management_competition_question_Q10"
	QuestionCompetitionK10 = "management_competition_question_K10"
	QuestionNewsIndexed    = "news_summary_indexed"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// EmptyQuery is the answer to a blank free-text query.
const EmptyQuery = "La consulta no puede estar vacía."

var builtinQuestions = map[string]string{
	QuestionCompetitionQ10: "Analiza el reporte {report} de {symbol} correspondiente al {quarter} de {year}. " +
		"Identifica a los principales competidores mencionados, la posición competitiva de la empresa, " +
		"amenazas y ventajas señaladas por la gerencia y cambios respecto de períodos anteriores.",
	QuestionCompetitionK10: "Analiza el reporte anual {report} de {symbol} del año {year}. " +
		"Identifica a los principales competidores mencionados, la posición competitiva de la empresa, " +
		"amenazas y ventajas señaladas por la gerencia y la evolución del mercado en el que opera.",
	QuestionNewsIndexed: "Resume las noticias indexadas más recientes sobre {symbol}. " +
		"Agrupa por tema, indica el tono general (positivo, negativo o neutral) y cita la fuente de cada punto.",
}

// Response is the JSON body of every analysis endpoint.
type Response struct {
	Message     string `json:"message"`
	BotResponse string `json:"bot_response"`
}

// Questions resolves question templates from a directory, falling back to
// the built-in wording.
type Questions struct {
	Dir string
}

// Render loads the named template and fills its placeholders.
func (q Questions) Render(name string, vars map[string]string) (string, error) {
	text, ok := builtinQuestions[name]
	if q.Dir != "" {
		data, err := os.ReadFile(filepath.Join(q.Dir, name+".txt"))
		switch {
		case err == nil:
			text, ok = string(data), true
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("analysis: read question %s: %w", name, err)
		}
	}
	if !ok {
		return "", fmt.Errorf("analysis: unknown question %q", name)
	}
	return strings.TrimSpace(prompts.Render(text, vars)), nil
}

// FallbackQuery appends the file hint used by the rankings fallback bot.
func FallbackQuery(freeText, k10, quarter, year string) string {
	return fmt.Sprintf("%s. Usa el archivo %s del %s del %s", strings.TrimSpace(freeText), quarter, k10, year)
}

// Service answers the analysis endpoints.
type Service struct {
	questions   Questions
	competition Asker
	ranking     Asker
	fallback    Asker
	newsIndexed Asker
	funds       Asker
	logger      *zap.Logger
}

// NewService routes each analysis to its remote bot when a URL is
// configured, otherwise to local.
func NewService(cfg config.AnalysisConfig, local Asker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	pick := func(url string) Asker {
		if url == "" {
			return local
		}
		return &RemoteBot{URL: url, Timeout: timeout, Logger: logger}
	}
	return &Service{
		questions:   Questions{Dir: cfg.QuestionsDir},
		competition: pick(cfg.CompetitionURL),
		ranking:     pick(cfg.SentimentRankingURL),
		fallback:    pick(cfg.RankingFallbackURL),
		newsIndexed: pick(cfg.NewsIndexedURL),
		funds:       pick(cfg.FundsReportsURL),
		logger:      logger,
	}
}

func (s *Service) ask(ctx context.Context, kind string, a Asker, prompt string) Response {
	if a == nil {
		return Response{Message: StatusError, BotResponse: "Error conectando al bot: " + ErrNoBot.Error()}
	}
	start := time.Now()
	reply, err := a.Ask(ctx, prompt)
	if err != nil {
		s.logger.Error("analysis_bot_error", zap.String("analysis", kind), zap.Error(err))
		return Response{Message: StatusError, BotResponse: "Error conectando al bot: " + err.Error()}
	}
	s.logger.Info("analysis_answered",
		zap.String("analysis", kind),
		zap.Int("prompt_chars", len(prompt)),
		zap.Int("response_chars", len(reply)),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()))
	return Response{Message: StatusOK, BotResponse: reply}
}

// Competition asks about a company's competitive position in a 10-Q (when
// a quarter is given) or 10-K.
func (s *Service) Competition(ctx context.Context, symbol, report string, year int, quarter string) (Response, error) {
	name := QuestionCompetitionK10
	if report == "Q10" && quarter != "" {
		name = QuestionCompetitionQ10
	}
	prompt, err := s.questions.Render(name, map[string]string{
		"symbol":  strings.TrimSpace(symbol),
		"report":  report,
		"year":    strconv.Itoa(year),
		"quarter": quarter,
	})
	if err != nil {
		return Response{}, err
	}
	return s.ask(ctx, "competition", s.competition, prompt), nil
}

// SentimentRanking forwards a free-text ranking query.
func (s *Service) SentimentRanking(ctx context.Context, query string) Response {
	q := strings.TrimSpace(query)
	if q == "" {
		return Response{Message: StatusError, BotResponse: EmptyQuery}
	}
	return s.ask(ctx, "sentiment_ranking", s.ranking, q)
}

// RankingFallback forwards a query pinned to one filing.
func (s *Service) RankingFallback(ctx context.Context, freeText, k10, quarter, year string) Response {
	if strings.TrimSpace(freeText) == "" {
		return Response{Message: StatusError, BotResponse: EmptyQuery}
	}
	return s.ask(ctx, "ranking_fallback", s.fallback, FallbackQuery(freeText, k10, quarter, year))
}

// NewsIndexed asks for a summary of the indexed news of symbol.
func (s *Service) NewsIndexed(ctx context.Context, symbol string) (Response, error) {
	prompt, err := s.questions.Render(QuestionNewsIndexed, map[string]string{
		"symbol": strings.ToUpper(strings.TrimSpace(symbol)),
	})
	if err != nil {
		return Response{}, err
	}
	return s.ask(ctx, "news_indexed", s.newsIndexed, prompt), nil
}

// FundsReports forwards a free-text query about fund reports.
func (s *Service) FundsReports(ctx context.Context, query string) Response {
	q := strings.TrimSpace(query)
	if q == "" {
		return Response{Message: StatusError, BotResponse: EmptyQuery}
	}
	return s.ask(ctx, "funds_reports", s.funds, q)
}
