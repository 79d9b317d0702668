package portfolio

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ImportReport summarizes an ImportCSV run.
type ImportReport struct {
	Inserted int      `json:"inserted"`
	Updated  int      `json:"updated"`
	NotFound []string `json:"not_found"`
}

// ImportCSV adds the tickers listed in text, one per line, to a portfolio.
// Only the first column is required; a second numeric column sets the
// weight. Unknown tickers are reported, not fatal. A leading "ticker"
// header row is skipped.
func (s *Store) ImportCSV(ctx context.Context, pid int64, text string) (ImportReport, error) {
	report := ImportReport{NotFound: []string{}}

	ok, err := s.portfolioExists(ctx, pid)
	if err != nil {
		return report, fmt.Errorf("portfolio: lookup %d: %w", pid, err)
	}
	if !ok {
		return report, fmt.Errorf("%w: portfolio %d", ErrNotFound, pid)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("portfolio: begin import: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	first := true
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		ticker := strings.ToUpper(strings.TrimSpace(parts[0]))
		if first {
			first = false
			if ticker == "TICKER" {
				continue
			}
		}

		var sid int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM securities WHERE ticker = ?`, ticker).Scan(&sid)
		if errors.Is(err, sql.ErrNoRows) {
			report.NotFound = append(report.NotFound, ticker)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("portfolio: lookup %s: %w", ticker, err)
		}

		var weight *decimal.Decimal
		if len(parts) > 1 {
			if w, err := decimal.NewFromString(strings.TrimSpace(parts[1])); err == nil {
				weight = &w
			}
		}
		existed, err := s.persist(ctx, tx, pid, sid, weight)
		if err != nil {
			return report, err
		}
		if existed {
			report.Updated++
		} else {
			report.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("portfolio: commit import: %w", err)
	}
	s.logger.Info("portfolio_import",
		zap.Int64("portfolio_id", pid),
		zap.Int("inserted", report.Inserted),
		zap.Int("updated", report.Updated),
		zap.Strings("not_found", report.NotFound))
	return report, nil
}

// ExportHeader is the first row written by ExportCSV.
var ExportHeader = []string{"ID", "Ticker", "Name", "CIK", "Added", "Active", "Weight"}

// ExportCSV writes every holding of a portfolio as CSV.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, pid int64) error {
	items, err := s.Full(ctx, pid)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return fmt.Errorf("portfolio: write csv: %w", err)
	}
	for _, h := range items {
		row := []string{
			strconv.FormatInt(h.ID, 10),
			h.Ticker,
			h.Name,
			h.CIK,
			h.AddedAt.Format("2006-01-02 15:04:05"),
			strconv.FormatBool(h.Active),
			h.Weight.String(),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("portfolio: write csv: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
