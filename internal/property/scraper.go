package property

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL  = "https://www.zonaprop.com.ar"
	DefaultMaxPages = 10
	DefaultTimeout  = 20 * time.Second

	// AllCABA is the URL slug used when no barrio is given.
	AllCABA = "capital federal"
)

// ErrFetch is returned when the first result page cannot be downloaded.
var ErrFetch = errors.New("property: fetch failed")

const cardSelector = "article[class*='posting'], article[class*='postings-card'], " +
	"li[class*='posting'], div[class*='posting'], " +
	"div[data-qa*='posting'], article[data-qa*='posting'], " +
	"[data-qa*='posting-card'], [data-testid*='posting']"

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36 Edg/123.0.0.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:124.0) Gecko/20100101 Firefox/124.0",
}

var listingIDRe = regexp.MustCompile(`-([0-9]{6,})\.html`)

// Scraper walks Zonaprop result pages for one barrio and operation.
type Scraper struct {
	baseURL  string
	maxPages int
	client   *resty.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
	uaIdx    int
}

// ScraperOption configures a Scraper.
type ScraperOption func(*Scraper)

// WithBaseURL points the scraper at another host.
func WithBaseURL(u string) ScraperOption {
	return func(s *Scraper) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithMaxPages caps how many result pages are visited.
func WithMaxPages(n int) ScraperOption {
	return func(s *Scraper) {
		if n > 0 {
			s.maxPages = n
		}
	}
}

// WithRate sets the page request rate.
func WithRate(perSecond float64) ScraperOption {
	return func(s *Scraper) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithScraperLogger sets the logger.
func WithScraperLogger(l *zap.Logger) ScraperOption {
	return func(s *Scraper) { s.logger = l }
}

// NewScraper creates a scraper with a polite default rate of one page every
// 800ms.
func NewScraper(opts ...ScraperOption) *Scraper {
	s := &Scraper{
		baseURL:  DefaultBaseURL,
		maxPages: DefaultMaxPages,
		limiter:  rate.NewLimiter(rate.Every(800*time.Millisecond), 1),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.client = resty.New().
		SetTimeout(DefaultTimeout).
		SetRetryCount(2).
		SetHeaders(map[string]string{
			"User-Agent":      userAgents[0],
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": "es-AR,es;q=0.9,en-US;q=0.8,en;q=0.7",
			"Cache-Control":   "no-cache",
			"Referer":         "https://www.google.com/",
		})
	return s
}

// PageURL builds the search URL for a barrio slug, page and operation.
func (s *Scraper) PageURL(barrio string, page int, op string) string {
	slug := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(barrio)), " ", "-")
	var base string
	switch op {
	case "venta":
		base = s.baseURL + "/departamentos-en-venta-" + slug
	case "alquiler":
		base = s.baseURL + "/departamentos-en-alquiler-" + slug
	default:
		base = s.baseURL + "/departamentos-" + slug
	}
	if page == 1 {
		return base + ".html"
	}
	return fmt.Sprintf("%s-pagina-%d.html", base, page)
}

// Scrape collects listings page by page, deduplicated by id or URL. It
// stops at the page limit, on an empty page, or when a page adds nothing
// new. An empty barrio means all of CABA.
func (s *Scraper) Scrape(ctx context.Context, barrio, op string) ([]Listing, error) {
	if strings.TrimSpace(barrio) == "" {
		barrio = AllCABA
	}
	if op == "" {
		op = "venta"
	}

	seen := make(map[string]struct{})
	var out []Listing
	for page := 1; page <= s.maxPages; page++ {
		url := s.PageURL(barrio, page, op)
		body, err := s.fetch(ctx, url)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			s.logger.Info("zp_fetch_stopped", zap.String("url", url), zap.Error(err))
			break
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
		if err != nil {
			return out, fmt.Errorf("property: parse %s: %w", url, err)
		}
		cards := ParseCards(doc, s.baseURL)
		if len(cards) == 0 {
			s.logger.Info("zp_no_cards", zap.String("url", url))
			break
		}

		added := 0
		for _, c := range cards {
			key := c.ID
			if key == "" {
				key = c.URL
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, c)
			added++
		}
		s.logger.Info("zp_page_parsed",
			zap.String("url", url),
			zap.Int("found", len(cards)),
			zap.Int("new", added),
			zap.Int("total", len(out)))
		if added == 0 {
			break
		}
	}
	return out, nil
}

// fetch downloads url. A 403 rotates the user agent and retries once.
func (s *Scraper) fetch(ctx context.Context, url string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := s.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}

	if resp.StatusCode() == http.StatusForbidden {
		s.logger.Info("zp_403_detected", zap.String("url", url))
		s.uaIdx = (s.uaIdx + 1) % len(userAgents)
		resp, err = s.client.R().
			SetContext(ctx).
			SetHeader("User-Agent", userAgents[s.uaIdx]).
			SetHeader("Referer", "https://www.bing.com/").
			Get(url)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrFetch, err)
		}
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("%w: %s returned %d", ErrFetch, url, resp.StatusCode())
	}
	return resp.String(), nil
}

// ParseCards extracts listings from a result page. Nested matches inside
// an outer card are ignored. Relative URLs are resolved against baseURL.
func ParseCards(doc *goquery.Document, baseURL string) []Listing {
	var out []Listing
	doc.Find(cardSelector).
		FilterFunction(func(_ int, s *goquery.Selection) bool {
			return s.ParentsFiltered(cardSelector).Length() == 0
		}).
		Each(func(_ int, card *goquery.Selection) {
			if l, ok := parseCard(card, baseURL); ok {
				out = append(out, l)
			}
		})
	return out
}

func parseCard(card *goquery.Selection, baseURL string) (Listing, bool) {
	href, ok := card.Find("a[href]").First().Attr("href")
	if !ok || href == "" {
		return Listing{}, false
	}
	if strings.HasPrefix(href, "/") {
		href = baseURL + href
	}

	var id string
	for _, attr := range []string{"data-id", "data-posting-id", "data-qa"} {
		if v, ok := card.Attr(attr); ok {
			id = v
			break
		}
	}
	if id == "" {
		if m := listingIDRe.FindStringSubmatch(href); m != nil {
			id = m[1]
		}
	}
	if id == "" {
		id = href
	}

	return Listing{
		ID:       id,
		URL:      href,
		Title:    text(card.Find("h2, h3").First()),
		Price:    price(card),
		Location: text(card.Find("[class*='location'], [class*='address'], [class*='neighborhood']").First()),
		Details:  joinedText(card.Find("[class*='main-features'], [class*='features']").First()),
		Agency:   text(card.Find("[class*='agency'], [class*='realtor'], [class*='publisher']").First()),
	}, true
}

func text(s *goquery.Selection) string {
	return strings.TrimSpace(spacesRe.ReplaceAllString(s.Text(), " "))
}

func price(card *goquery.Selection) string {
	if p := card.Find("[class*='price']").First(); p.Length() > 0 {
		return text(p)
	}
	var out string
	card.Find("strong, span").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		t := text(s)
		if strings.Contains(t, "USD") || strings.Contains(t, "$") {
			out = t
			return false
		}
		return true
	})
	return out
}

// joinedText joins the non-empty texts of s's children with " | ".
func joinedText(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	var parts []string
	s.Children().Each(func(_ int, c *goquery.Selection) {
		if t := text(c); t != "" {
			parts = append(parts, t)
		}
	})
	if len(parts) == 0 {
		return text(s)
	}
	return strings.Join(parts, " | ")
}
