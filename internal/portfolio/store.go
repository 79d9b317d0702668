// Package portfolio stores research portfolios, the SEC securities they
// hold and the filing calendar in SQLite.
package portfolio

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a portfolio or security does not exist.
	ErrNotFound = errors.New("portfolio: not found")
	// ErrInvalid is returned for malformed input.
	ErrInvalid = errors.New("portfolio: invalid input")
)

const (
	// MinSearchLen is the shortest query Search answers.
	MinSearchLen = 2
	searchLimit  = 20
	timeLayout   = time.RFC3339
)

// Portfolio is a named list of securities.
type Portfolio struct {
	ID          int64     `json:"id"`
	Code        string    `json:"portfolio_code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Security is an SEC registrant.
type Security struct {
	ID     int64  `json:"security_id"`
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
	CIK    string `json:"cik"`
}

// Holding is a security inside a portfolio.
type Holding struct {
	ID          int64           `json:"id"`
	PortfolioID int64           `json:"portfolio_id"`
	SecurityID  int64           `json:"security_id"`
	Ticker      string          `json:"ticker"`
	Name        string          `json:"name"`
	CIK         string          `json:"cik"`
	AddedAt     time.Time       `json:"added_at"`
	Active      bool            `json:"is_active"`
	Weight      decimal.Decimal `json:"weight"`
}

// Page is one page of holdings.
type Page struct {
	Items      []Holding `json:"items"`
	TotalCount int       `json:"total_count"`
	Page       int       `json:"page"`
	PageSize   int       `json:"page_size"`
}

// TotalPages returns the number of pages at the current page size.
func (p Page) TotalPages() int {
	if p.PageSize <= 0 {
		return 0
	}
	return (p.TotalCount + p.PageSize - 1) / p.PageSize
}

// CalendarEntry is one expected or actual filing of a symbol.
type CalendarEntry struct {
	Symbol    string `json:"symbol"`
	Year      int    `json:"year"`
	Quarter   string `json:"quarter"`
	Form      string `json:"form"`
	PeriodEnd string `json:"period_end"`
	DueDate   string `json:"due_date"`
	FiledAt   string `json:"filed_at,omitempty"`
}

// Store is the SQLite-backed portfolio database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source for added/created stamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the database at path.
func Open(path string, opts ...StoreOption) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("portfolio: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("portfolio: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS portfolios (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		portfolio_code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS securities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		cik TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS portfolio_securities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		portfolio_id INTEGER NOT NULL REFERENCES portfolios(id),
		security_id INTEGER NOT NULL REFERENCES securities(id),
		added_at TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		weight TEXT NOT NULL DEFAULT '0',
		UNIQUE(portfolio_id, security_id)
	);
	CREATE INDEX IF NOT EXISTS idx_ps_portfolio ON portfolio_securities(portfolio_id);
	CREATE TABLE IF NOT EXISTS filing_calendar (
		symbol TEXT NOT NULL,
		year INTEGER NOT NULL,
		quarter TEXT NOT NULL,
		form TEXT NOT NULL,
		period_end TEXT NOT NULL DEFAULT '',
		due_date TEXT NOT NULL DEFAULT '',
		filed_at TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (symbol, year, quarter, form)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("portfolio: create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseStamp(v string) time.Time {
	t, _ := time.Parse(timeLayout, v)
	return t
}

// ── Portfolios ──

// CreatePortfolio inserts a portfolio and returns its id.
func (s *Store) CreatePortfolio(ctx context.Context, code, name, description string) (int64, error) {
	code = strings.TrimSpace(code)
	if code == "" || strings.TrimSpace(name) == "" {
		return 0, fmt.Errorf("%w: portfolio code and name are required", ErrInvalid)
	}
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO portfolios (portfolio_code, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		code, name, description, now, now)
	if err != nil {
		return 0, fmt.Errorf("portfolio: create %q: %w", code, err)
	}
	return res.LastInsertId()
}

// Portfolios lists every portfolio ordered by name.
func (s *Store) Portfolios(ctx context.Context) ([]Portfolio, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, portfolio_code, name, description, created_at, updated_at FROM portfolios ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("portfolio: list: %w", err)
	}
	defer rows.Close()

	var out []Portfolio
	for rows.Next() {
		var (
			p                Portfolio
			created, updated string
		)
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Description, &created, &updated); err != nil {
			return nil, fmt.Errorf("portfolio: scan: %w", err)
		}
		p.CreatedAt, p.UpdatedAt = parseStamp(created), parseStamp(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) portfolioExists(ctx context.Context, pid int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM portfolios WHERE id = ?`, pid).Scan(&n)
	return n > 0, err
}

// ── Securities ──

// UpsertSecurity inserts a security or updates the name and CIK of an
// existing ticker. It returns the security id.
func (s *Store) UpsertSecurity(ctx context.Context, sec Security) (int64, error) {
	ticker := strings.ToUpper(strings.TrimSpace(sec.Ticker))
	if ticker == "" {
		return 0, fmt.Errorf("%w: ticker is required", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO securities (ticker, name, cik) VALUES (?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET name = excluded.name, cik = excluded.cik`,
		ticker, sec.Name, sec.CIK)
	if err != nil {
		return 0, fmt.Errorf("portfolio: upsert %s: %w", ticker, err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM securities WHERE ticker = ?`, ticker).Scan(&id); err != nil {
		return 0, fmt.Errorf("portfolio: upsert %s: %w", ticker, err)
	}
	return id, nil
}

// Security returns one security by id.
func (s *Store) Security(ctx context.Context, id int64) (Security, error) {
	var sec Security
	err := s.db.QueryRowContext(ctx, `SELECT id, ticker, name, cik FROM securities WHERE id = ?`, id).
		Scan(&sec.ID, &sec.Ticker, &sec.Name, &sec.CIK)
	if errors.Is(err, sql.ErrNoRows) {
		return Security{}, fmt.Errorf("%w: security %d", ErrNotFound, id)
	}
	if err != nil {
		return Security{}, fmt.Errorf("portfolio: security %d: %w", id, err)
	}
	return sec, nil
}

// Search returns up to 20 securities whose ticker or name contains q.
// Queries shorter than two characters return nothing.
func (s *Store) Search(ctx context.Context, q string) ([]Security, error) {
	q = strings.TrimSpace(q)
	if len([]rune(q)) < MinSearchLen {
		return nil, nil
	}
	like := "%" + q + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticker, name, cik FROM securities
		WHERE ticker LIKE ? OR name LIKE ?
		ORDER BY ticker LIMIT ?`, like, like, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("portfolio: search: %w", err)
	}
	defer rows.Close()

	var out []Security
	for rows.Next() {
		var sec Security
		if err := rows.Scan(&sec.ID, &sec.Ticker, &sec.Name, &sec.CIK); err != nil {
			return nil, fmt.Errorf("portfolio: scan: %w", err)
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// ── Holdings ──

const holdingColumns = `
	ps.id, ps.portfolio_id, ps.security_id, s.ticker, s.name, s.cik,
	ps.added_at, ps.is_active, ps.weight`

func scanHoldings(rows *sql.Rows) ([]Holding, error) {
	defer rows.Close()
	var out []Holding
	for rows.Next() {
		var (
			h     Holding
			added string
		)
		if err := rows.Scan(&h.ID, &h.PortfolioID, &h.SecurityID, &h.Ticker, &h.Name, &h.CIK,
			&added, &h.Active, &h.Weight); err != nil {
			return nil, fmt.Errorf("portfolio: scan: %w", err)
		}
		h.AddedAt = parseStamp(added)
		out = append(out, h)
	}
	return out, rows.Err()
}

// Paged returns one page of a portfolio's holdings ordered by ticker.
// Pages start at 1.
func (s *Store) Paged(ctx context.Context, pid int64, page, size int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	out := Page{Page: page, PageSize: size}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM portfolio_securities WHERE portfolio_id = ?`, pid).Scan(&out.TotalCount); err != nil {
		return Page{}, fmt.Errorf("portfolio: count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+holdingColumns+`
		FROM portfolio_securities ps JOIN securities s ON s.id = ps.security_id
		WHERE ps.portfolio_id = ?
		ORDER BY s.ticker LIMIT ? OFFSET ?`, pid, size, (page-1)*size)
	if err != nil {
		return Page{}, fmt.Errorf("portfolio: page: %w", err)
	}
	if out.Items, err = scanHoldings(rows); err != nil {
		return Page{}, err
	}
	return out, nil
}

// Full returns every holding of a portfolio ordered by ticker.
func (s *Store) Full(ctx context.Context, pid int64) ([]Holding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+holdingColumns+`
		FROM portfolio_securities ps JOIN securities s ON s.id = ps.security_id
		WHERE ps.portfolio_id = ?
		ORDER BY s.ticker`, pid)
	if err != nil {
		return nil, fmt.Errorf("portfolio: holdings: %w", err)
	}
	return scanHoldings(rows)
}

// AddSingle adds a security to a portfolio, reactivating it when it was
// already there. It reports whether the holding existed before.
func (s *Store) AddSingle(ctx context.Context, pid, sid int64) (existed bool, err error) {
	ok, err := s.portfolioExists(ctx, pid)
	if err != nil {
		return false, fmt.Errorf("portfolio: lookup %d: %w", pid, err)
	}
	if !ok {
		return false, fmt.Errorf("%w: portfolio %d", ErrNotFound, pid)
	}
	if _, err := s.Security(ctx, sid); err != nil {
		return false, err
	}
	return s.persist(ctx, s.db, pid, sid, nil)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) persist(ctx context.Context, db execer, pid, sid int64, weight *decimal.Decimal) (bool, error) {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM portfolio_securities WHERE portfolio_id = ? AND security_id = ?`,
		pid, sid).Scan(&n); err != nil {
		return false, fmt.Errorf("portfolio: lookup holding: %w", err)
	}
	w := decimal.Zero
	if weight != nil {
		w = *weight
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO portfolio_securities (portfolio_id, security_id, added_at, is_active, weight)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(portfolio_id, security_id) DO UPDATE SET
			is_active = 1,
			weight = CASE WHEN ? THEN excluded.weight ELSE portfolio_securities.weight END`,
		pid, sid, s.stamp(), w.String(), weight != nil)
	if err != nil {
		return false, fmt.Errorf("portfolio: persist holding: %w", err)
	}
	return n > 0, nil
}

// ── Calendar ──

// SetCalendar stores or replaces a filing calendar entry.
func (s *Store) SetCalendar(ctx context.Context, e CalendarEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO filing_calendar (symbol, year, quarter, form, period_end, due_date, filed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, year, quarter, form) DO UPDATE SET
			period_end = excluded.period_end, due_date = excluded.due_date, filed_at = excluded.filed_at`,
		strings.ToUpper(e.Symbol), e.Year, e.Quarter, e.Form, e.PeriodEnd, e.DueDate, e.FiledAt)
	if err != nil {
		return fmt.Errorf("portfolio: set calendar: %w", err)
	}
	return nil
}

// Calendar returns a symbol's filings for a year ordered by due date.
func (s *Store) Calendar(ctx context.Context, symbol string, year int) ([]CalendarEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, year, quarter, form, period_end, due_date, filed_at
		FROM filing_calendar WHERE symbol = ? AND year = ?
		ORDER BY due_date, quarter`, strings.ToUpper(strings.TrimSpace(symbol)), year)
	if err != nil {
		return nil, fmt.Errorf("portfolio: calendar: %w", err)
	}
	defer rows.Close()

	var out []CalendarEntry
	for rows.Next() {
		var e CalendarEntry
		if err := rows.Scan(&e.Symbol, &e.Year, &e.Quarter, &e.Form, &e.PeriodEnd, &e.DueDate, &e.FiledAt); err != nil {
			return nil, fmt.Errorf("portfolio: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
