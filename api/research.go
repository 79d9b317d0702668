package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/analysis"
	"github.com/seenimoa/zchatbot/internal/news"
	"github.com/seenimoa/zchatbot/internal/portfolio"
)

// ============================================================
// Request / Response types
// ============================================================

// CreatePortfolioRequest is the body for POST /api/v1/portfolios.
type CreatePortfolioRequest struct {
	Code        string `json:"portfolio_code"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// HoldingsPage is a page of holdings with its page count.
type HoldingsPage struct {
	portfolio.Page
	TotalPages int `json:"total_pages"`
}

// SecurityMatch is one search hit.
type SecurityMatch struct {
	SecurityID int64  `json:"security_id"`
	Ticker     string `json:"ticker"`
	Name       string `json:"name"`
	CIK        string `json:"cik,omitempty"`
}

// statusResponse mirrors the status/message answers of the research forms.
type statusResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Existed *bool       `json:"existed,omitempty"`
	Report  interface{} `json:"report,omitempty"`
}

// formValue reads a field from a form or, for JSON bodies, from the
// decoded object. Numbers are returned in their JSON text form.
func formValue(r *http.Request, key string) string {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if r.Form == nil {
			r.Form = make(map[string][]string)
			var body map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				for k, v := range body {
					switch x := v.(type) {
					case string:
						r.Form.Set(k, x)
					case nil:
					default:
						r.Form.Set(k, strings.TrimSpace(fmt.Sprint(x)))
					}
				}
			}
		}
		return strings.TrimSpace(r.Form.Get(key))
	}
	return strings.TrimSpace(r.FormValue(key))
}

func (s *Server) requirePortfolio(w http.ResponseWriter) bool {
	if s.portfolio == nil {
		writeError(w, http.StatusServiceUnavailable, "portfolio store not configured")
		return false
	}
	return true
}

func portfolioID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid portfolio id")
		return 0, false
	}
	return id, true
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, portfolio.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, portfolio.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("portfolio_error", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ============================================================
// Portfolios
// ============================================================

func (s *Server) handleListPortfolios(w http.ResponseWriter, r *http.Request) {
	if !s.requirePortfolio(w) {
		return
	}
	list, err := s.portfolio.Portfolios(r.Context())
	if err != nil {
		s.storeError(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: list})
}

func (s *Server) handleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	if !s.requirePortfolio(w) {
		return
	}
	var req CreatePortfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.portfolio.CreatePortfolio(r.Context(), req.Code, req.Name, req.Description)
	if err != nil {
		s.storeError(w, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: map[string]int64{"id": id}})
}

func (s *Server) handlePortfolioSecurities(w http.ResponseWriter, r *http.Request) {
	if !s.requirePortfolio(w) {
		return
	}
	pid, ok := portfolioID(w, r)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	p, err := s.portfolio.Paged(r.Context(), pid, page, size)
	if err != nil {
		s.storeError(w, "page", err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: HoldingsPage{Page: p, TotalPages: p.TotalPages()}})
}

func (s *Server) handleAddSecurity(w http.ResponseWriter, r *http.Request) {
	if !s.requirePortfolio(w) {
		return
	}
	pid, ok := portfolioID(w, r)
	if !ok {
		return
	}
	sid, err := strconv.ParseInt(formValue(r, "security_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: "security_id must be an integer"})
		return
	}
	existed, err := s.portfolio.AddSingle(r.Context(), pid, sid)
	if err != nil {
		writeJSON(w, http.StatusOK, statusResponse{Status: "error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", Existed: &existed})
}

func (s *Server) handleImportCSV(w http.ResponseWriter, r *http.Request) {
	if !s.requirePortfolio(w) {
		return
	}
	pid, ok := portfolioID(w, r)
	if !ok {
		return
	}
	report, err := s.portfolio.ImportCSV(r.Context(), pid, formValue(r, "csv_text"))
	if err != nil {
		writeJSON(w, http.StatusOK, statusResponse{Status: "error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", Report: report})
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	if !s.requirePortfolio(w) {
		return
	}
	pid, ok := portfolioID(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="portfolio_%d.csv"`, pid))
	if err := s.portfolio.ExportCSV(r.Context(), w, pid); err != nil {
		s.logger.Error("portfolio_export_error", zap.Int64("portfolio_id", pid), zap.Error(err))
	}
}

func (s *Server) searchSecurities(w http.ResponseWriter, r *http.Request, withCIK bool) ([]SecurityMatch, bool) {
	items, err := s.portfolio.Search(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		s.storeError(w, "search", err)
		return nil, false
	}
	out := make([]SecurityMatch, 0, len(items))
	for _, x := range items {
		m := SecurityMatch{SecurityID: x.ID, Ticker: x.Ticker, Name: x.Name}
		if withCIK {
			m.CIK = x.CIK
		}
		out = append(out, m)
	}
	return out, true
}

func (s *Server) handleSecuritySearch(w http.ResponseWriter, r *http.Request) {
	if !s.requirePortfolio(w) {
		return
	}
	if out, ok := s.searchSecurities(w, r, true); ok {
		writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: out})
	}
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	if !s.requirePortfolio(w) {
		return
	}
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if symbol == "" || err != nil {
		writeError(w, http.StatusBadRequest, "symbol and year are required")
		return
	}
	entries, err := s.portfolio.Calendar(r.Context(), symbol, year)
	if err != nil {
		s.storeError(w, "calendar", err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: entries})
}

// ============================================================
// News
// ============================================================

// handleNewsSearch returns a bare list, as the news form expects.
func (s *Server) handleNewsSearch(w http.ResponseWriter, r *http.Request) {
	if !s.requirePortfolio(w) {
		return
	}
	if out, ok := s.searchSecurities(w, r, false); ok {
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleNewsRun(w http.ResponseWriter, r *http.Request) {
	if !s.requirePortfolio(w) {
		return
	}
	if s.news == nil {
		writeError(w, http.StatusServiceUnavailable, "news ingestor not configured")
		return
	}
	sid, err := strconv.ParseInt(formValue(r, "security_id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "security_id must be an integer")
		return
	}
	sec, err := s.portfolio.Security(r.Context(), sid)
	if err != nil {
		s.storeError(w, "security", err)
		return
	}

	report, err := s.news.Run(r.Context(), sec.Ticker, sec.Name, formValue(r, "date"))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, news.ErrNoSymbol) || errors.Is(err, news.ErrBadDate) {
			status = http.StatusBadRequest
		}
		s.logger.Error("news_run_error", zap.String("symbol", sec.Ticker), zap.Error(err))
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, "process_news %s failed: %v\n", sec.Ticker, err)
		return
	}
	_, _ = w.Write([]byte(report))
}

// ============================================================
// Management analysis
// ============================================================

func (s *Server) requireAnalysis(w http.ResponseWriter) bool {
	if s.analysis == nil {
		writeJSON(w, http.StatusServiceUnavailable, analysis.Response{
			Message:     analysis.StatusError,
			BotResponse: "Error conectando al bot: " + analysis.ErrNoBot.Error(),
		})
		return false
	}
	return true
}

func (s *Server) handleCompetition(w http.ResponseWriter, r *http.Request) {
	if !s.requireAnalysis(w) {
		return
	}
	symbol, report := formValue(r, "symbol"), formValue(r, "report")
	year, err := strconv.Atoi(formValue(r, "year"))
	if symbol == "" || report == "" || err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "symbol, report and an integer year are required")
		return
	}
	resp, err := s.analysis.Competition(r.Context(), symbol, report, year, formValue(r, "quarter"))
	if err != nil {
		s.logger.Error("analysis_error", zap.String("analysis", "competition"), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, analysis.Response{Message: analysis.StatusError, BotResponse: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSentimentRankings(w http.ResponseWriter, r *http.Request) {
	if !s.requireAnalysis(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.analysis.SentimentRanking(r.Context(), formValue(r, "query")))
}

func (s *Server) handleRankingsFallback(w http.ResponseWriter, r *http.Request) {
	if !s.requireAnalysis(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.analysis.RankingFallback(r.Context(),
		formValue(r, "freeText"),
		formValue(r, "k10Selector"),
		formValue(r, "quarterSelector"),
		formValue(r, "yearInput")))
}

func (s *Server) handleNewsIndexed(w http.ResponseWriter, r *http.Request) {
	if !s.requireAnalysis(w) {
		return
	}
	symbol := formValue(r, "symbol")
	if symbol == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "symbol is required")
		return
	}
	resp, err := s.analysis.NewsIndexed(r.Context(), symbol)
	if err != nil {
		s.logger.Error("analysis_error", zap.String("analysis", "news_indexed"), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, analysis.Response{Message: analysis.StatusError, BotResponse: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFundsReports(w http.ResponseWriter, r *http.Request) {
	if !s.requireAnalysis(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.analysis.FundsReports(r.Context(), formValue(r, "query")))
}
