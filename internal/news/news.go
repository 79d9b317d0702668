// Package news pulls market headlines from RSS feeds, keeps the ones that
// mention a symbol and indexes them into the vector store.
package news

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cespare/xxhash/v2"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/seenimoa/zchatbot/internal/vectorstore"
)

const (
	// DefaultProfile is the vector store profile news is indexed under.
	DefaultProfile = "news"
	// Window is how far back from the run date articles are kept.
	Window = 7 * 24 * time.Hour

	dateLayout    = "2006-01-02"
	summaryMaxLen = 400
)

var (
	// ErrNoSymbol is returned by Run when no symbol is given.
	ErrNoSymbol = errors.New("news: symbol is required")
	// ErrBadDate is returned by Run for a date not in YYYY-MM-DD form.
	ErrBadDate = errors.New("news: invalid date")
)

// Source is one RSS feed.
type Source struct {
	Name   string
	RSSURL string
}

// SourcesFromURLs names each feed after its host.
func SourcesFromURLs(urls []string) []Source {
	out := make([]Source, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		name := strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
		if i := strings.IndexByte(name, '/'); i > 0 {
			name = name[:i]
		}
		out = append(out, Source{Name: name, RSSURL: u})
	}
	return out
}

// Article is one feed item.
type Article struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	Summary     string    `json:"summary"`
	PublishedAt time.Time `json:"published_at"`
}

// Fingerprint identifies an article across feeds.
func (a Article) Fingerprint() uint64 {
	key := a.URL
	if key == "" {
		key = strings.ToLower(strings.TrimSpace(a.Title))
	}
	return xxhash.Sum64String(key)
}

// Ingestor fetches feeds and indexes matching articles.
type Ingestor struct {
	sources  []Source
	parser   *gofeed.Parser
	limiter  *rate.Limiter
	store    vectorstore.Store
	profile  string
	splitter vectorstore.Splitter
	logger   *zap.Logger
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithProfile sets the vector store profile.
func WithProfile(p string) Option {
	return func(in *Ingestor) {
		if p != "" {
			in.profile = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(in *Ingestor) { in.logger = l }
}

// WithRate sets the feed request rate.
func WithRate(perSecond float64) Option {
	return func(in *Ingestor) {
		if perSecond > 0 {
			in.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewIngestor creates an ingestor. store may be nil, in which case Run
// only reports.
func NewIngestor(sources []Source, store vectorstore.Store, opts ...Option) *Ingestor {
	in := &Ingestor{
		sources:  sources,
		parser:   gofeed.NewParser(),
		limiter:  rate.NewLimiter(2, 1),
		store:    store,
		profile:  DefaultProfile,
		splitter: vectorstore.NewSplitter(600, 80),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Fetch reads every source concurrently. Failing sources are logged and
// skipped. Articles are deduplicated and sorted newest first.
func (in *Ingestor) Fetch(ctx context.Context) ([]Article, error) {
	var (
		mu  sync.Mutex
		all []Article
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, src := range in.sources {
		g.Go(func() error {
			items, err := in.fetchRSS(gctx, src)
			if err != nil {
				in.logger.Warn("news_feed_error", zap.String("source", src.Name), zap.Error(err))
				return nil
			}
			mu.Lock()
			all = append(all, items...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[uint64]struct{}, len(all))
	out := all[:0]
	for _, a := range all {
		fp := a.Fingerprint()
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return out, nil
}

func (in *Ingestor) fetchRSS(ctx context.Context, src Source) ([]Article, error) {
	if err := in.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	feed, err := in.parser.ParseURLWithContext(src.RSSURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse RSS %s: %w", src.Name, err)
	}

	articles := make([]Article, 0, len(feed.Items))
	for _, item := range feed.Items {
		a := Article{
			Title:   strings.TrimSpace(item.Title),
			URL:     item.Link,
			Source:  src.Name,
			Summary: cleanHTML(item.Description),
		}
		switch {
		case item.PublishedParsed != nil:
			a.PublishedAt = *item.PublishedParsed
		case item.UpdatedParsed != nil:
			a.PublishedAt = *item.UpdatedParsed
		}
		articles = append(articles, a)
	}
	return articles, nil
}

// cleanHTML strips markup and collapses whitespace.
func cleanHTML(s string) string {
	if s == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + s + "</body>"))
	if err != nil {
		return s
	}
	return strings.Join(strings.Fields(strings.ReplaceAll(doc.Text(), "\u200b", "")), " ")
}

var nameSuffixes = []string{" incorporated", " corporation", " inc.", " inc", " corp.", " corp", " ltd.", " ltd", " plc", " co.", " s.a."}

// Keywords returns the lowercase terms an article must mention to be about
// symbol. name, when known, adds the company name without its legal suffix.
func Keywords(symbol, name string) []string {
	kw := []string{strings.ToLower(strings.TrimSpace(symbol))}
	n := strings.ToLower(strings.TrimSpace(name))
	for _, suf := range nameSuffixes {
		n = strings.TrimSuffix(n, suf)
	}
	n = strings.TrimRight(n, " ,.")
	if n != "" && n != kw[0] {
		kw = append(kw, n)
	}
	return kw
}

// Filter keeps articles that mention any keyword and were published in the
// Window ending on day. A zero day disables the date check; undated
// articles always pass it.
func Filter(articles []Article, keywords []string, day time.Time) []Article {
	var out []Article
	end := day.AddDate(0, 0, 1)
	start := end.Add(-Window)
	for _, a := range articles {
		if !day.IsZero() && !a.PublishedAt.IsZero() &&
			(a.PublishedAt.Before(start) || !a.PublishedAt.Before(end)) {
			continue
		}
		if matchesAny(a.Title+" "+a.Summary, keywords) {
			out = append(out, a)
		}
	}
	return out
}

// matchesAny reports whether text contains a keyword as a whole word.
func matchesAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		for i := 0; ; {
			j := strings.Index(lower[i:], kw)
			if j < 0 {
				break
			}
			j += i
			if boundary(lower, j-1) && boundary(lower, j+len(kw)) {
				return true
			}
			i = j + 1
		}
	}
	return false
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9')
}

// Index stores articles as documents, one per article and split into
// chunks, tagged with symbol and date. It returns the number of chunks.
func (in *Ingestor) Index(ctx context.Context, symbol, date string, articles []Article) (int, error) {
	if in.store == nil || len(articles) == 0 {
		return 0, nil
	}
	docs := make([]vectorstore.Document, 0, len(articles))
	for _, a := range articles {
		published := ""
		if !a.PublishedAt.IsZero() {
			published = a.PublishedAt.Format(dateLayout)
		}
		docs = append(docs, vectorstore.Document{
			ID:      strconv.FormatUint(a.Fingerprint(), 16),
			Content: fmt.Sprintf("%s (%s). %s", a.Title, a.Source, a.Summary),
			Metadata: map[string]string{
				"symbol":      strings.ToUpper(symbol),
				"date":        date,
				"published":   published,
				"source":      a.Source,
				"url":         a.URL,
				"report_type": "news",
			},
		})
	}
	chunks := in.splitter.SplitDocuments(docs)
	if err := in.store.Add(ctx, in.profile, chunks); err != nil {
		return 0, fmt.Errorf("news: index: %w", err)
	}
	return len(chunks), nil
}

// Run fetches, filters and indexes the news of symbol up to date
// (YYYY-MM-DD, empty for today) and returns a plain-text report.
func (in *Ingestor) Run(ctx context.Context, symbol, name, date string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", ErrNoSymbol
	}
	day := time.Now().UTC().Truncate(24 * time.Hour)
	if date != "" {
		d, err := time.Parse(dateLayout, date)
		if err != nil {
			return "", fmt.Errorf("%w %q: %v", ErrBadDate, date, err)
		}
		day = d
	}
	date = day.Format(dateLayout)

	start := time.Now()
	all, err := in.Fetch(ctx)
	if err != nil {
		return "", err
	}
	matched := Filter(all, Keywords(symbol, name), day)
	chunks, err := in.Index(ctx, symbol, date, matched)
	if err != nil {
		return "", err
	}
	in.logger.Info("news_run",
		zap.String("symbol", symbol),
		zap.String("date", date),
		zap.Int("fetched", len(all)),
		zap.Int("matched", len(matched)),
		zap.Int("chunks", chunks),
		zap.Duration("elapsed", time.Since(start)))
	return Report(symbol, date, matched, chunks, in.profile), nil
}

// Report renders the result of a run.
func Report(symbol, date string, articles []Article, chunks int, profile string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "process_news %s %s\n", symbol, date)
	if len(articles) == 0 {
		sb.WriteString("No news found.\n")
		return sb.String()
	}
	fmt.Fprintf(&sb, "%d articles, %d chunks indexed into %q\n\n", len(articles), chunks, profile)
	for _, a := range articles {
		when := "----------"
		if !a.PublishedAt.IsZero() {
			when = a.PublishedAt.Format(dateLayout)
		}
		fmt.Fprintf(&sb, "- [%s] %s (%s)\n", when, a.Title, a.Source)
		if s := truncate(a.Summary, summaryMaxLen); s != "" {
			fmt.Fprintf(&sb, "  %s\n", s)
		}
		if a.URL != "" {
			fmt.Fprintf(&sb, "  %s\n", a.URL)
		}
	}
	return sb.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
