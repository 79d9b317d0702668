package property

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/llm/llmtest"
	"github.com/seenimoa/zchatbot/internal/prompts"
)

const pageOne = `<html><body>
<div class="results">
  <div class="posting-card" data-id="111">
    <a href="/propiedades/depto-palermo-49112233.html">ver</a>
    <h2>Depto 3 amb luminoso</h2>
    <div class="posting-price">USD 150.000</div>
    <div class="posting-location">Palermo, Capital Federal</div>
    <div class="posting-main-features"><span>75 m²</span><span>3 amb.</span><span></span></div>
    <div class="posting-publisher">Inmobiliaria Sur</div>
  </div>
  <article class="posting-card">
    <a href="https://www.zonaprop.com.ar/propiedades/ph-almagro-55667788.html">ver</a>
    <h3>PH con terraza</h3>
    <span>USD 98.000</span>
  </article>
</div>
</body></html>`

const emptyPage = `<html><body><p>Sin resultados</p></body></html>`

func parse(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

// ── Parsing ──

func TestParseCards(t *testing.T) {
	cards := ParseCards(parse(t, pageOne), "https://example.test")
	require.Len(t, cards, 2)

	first := cards[0]
	assert.Equal(t, "111", first.ID)
	assert.Equal(t, "https://example.test/propiedades/depto-palermo-49112233.html", first.URL)
	assert.Equal(t, "Depto 3 amb luminoso", first.Title)
	assert.Equal(t, "USD 150.000", first.Price)
	assert.Equal(t, "Palermo, Capital Federal", first.Location)
	assert.Equal(t, "75 m² | 3 amb.", first.Details)
	assert.Equal(t, "Inmobiliaria Sur", first.Agency)

	second := cards[1]
	assert.Equal(t, "55667788", second.ID, "id falls back to the URL number")
	assert.Equal(t, "PH con terraza", second.Title)
	assert.Equal(t, "USD 98.000", second.Price)
	assert.Empty(t, second.Agency)
}

func TestParseCardsSkipsCardsWithoutLink(t *testing.T) {
	cards := ParseCards(parse(t, `<div class="posting-card"><h2>no link</h2></div>`), "https://x")
	assert.Empty(t, cards)
}

func TestParseCardsIDFallsBackToHref(t *testing.T) {
	cards := ParseCards(parse(t, `<div class="posting-card"><a href="/p/sin-numero.html">x</a></div>`), "https://x")
	require.Len(t, cards, 1)
	assert.Equal(t, "https://x/p/sin-numero.html", cards[0].ID)
}

func TestPageURL(t *testing.T) {
	s := NewScraper(WithBaseURL("https://zp.test/"))
	tests := []struct {
		barrio string
		page   int
		op     string
		want   string
	}{
		{"Palermo", 1, "venta", "https://zp.test/departamentos-en-venta-palermo.html"},
		{"Villa Crespo", 3, "venta", "https://zp.test/departamentos-en-venta-villa-crespo-pagina-3.html"},
		{"belgrano", 1, "alquiler", "https://zp.test/departamentos-en-alquiler-belgrano.html"},
		{"belgrano", 2, "", "https://zp.test/departamentos-belgrano-pagina-2.html"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.PageURL(tt.barrio, tt.page, tt.op))
	}
}

// ── Scraper ──

func TestScrapeStopsOnEmptyPage(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/departamentos-en-venta-capital-federal.html" {
			_, _ = w.Write([]byte(pageOne))
			return
		}
		_, _ = w.Write([]byte(emptyPage))
	}))
	defer srv.Close()

	s := NewScraper(WithBaseURL(srv.URL), WithRate(1000), WithMaxPages(5))
	got, err := s.Scrape(context.Background(), "", "")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"/departamentos-en-venta-capital-federal.html",
		"/departamentos-en-venta-capital-federal-pagina-2.html",
	}, paths)
}

func TestScrapeStopsWhenNothingNew(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(pageOne))
	}))
	defer srv.Close()

	s := NewScraper(WithBaseURL(srv.URL), WithRate(1000), WithMaxPages(10))
	got, err := s.Scrape(context.Background(), "palermo", "venta")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, int32(2), hits.Load())
}

func TestScrapeRotatesUserAgentOn403(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.UserAgent() == userAgents[0] {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if strings.Contains(r.URL.Path, "pagina") {
			_, _ = w.Write([]byte(emptyPage))
			return
		}
		_, _ = w.Write([]byte(pageOne))
	}))
	defer srv.Close()

	s := NewScraper(WithBaseURL(srv.URL), WithRate(1000))
	got, err := s.Scrape(context.Background(), "palermo", "venta")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestScrapeFirstPageError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewScraper(WithBaseURL(srv.URL), WithRate(1000))
	_, err := s.Scrape(context.Background(), "palermo", "venta")
	require.ErrorIs(t, err, ErrFetch)
}

// ── Export ──

func TestCanonicalKeyIgnoresURL(t *testing.T) {
	a := Listing{URL: "https://a", Title: "Depto  3 AMB!", Location: "Palermo", Details: "75 m²", Price: "USD 150.000.000.000"}
	b := a
	b.URL = "https://b"
	assert.Equal(t, a.CanonicalKey(), b.CanonicalKey())
	assert.Equal(t, "palermo | depto 3 amb | 75 m² | 15000000", a.CanonicalKey())
}

func TestExportName(t *testing.T) {
	now := time.Date(2024, 5, 3, 9, 7, 0, 0, time.UTC)
	assert.Equal(t, "villa_crespo_venta_20240503_0907.txt", ExportName("villa crespo", "venta", now))
	assert.Equal(t, "caba_20240503_0907.txt", ExportName("caba", "", now))
}

func TestExportTXT(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	now := time.Date(2024, 5, 3, 9, 7, 0, 0, time.UTC)
	listings := []Listing{
		{ID: "1", URL: "https://a/1", Title: "Depto", Price: "USD 100", Location: "Palermo"},
		{ID: "1", URL: "https://a/1", Title: "Depto"},
		{ID: "2", URL: "https://a/2"},
	}

	path, err := ExportTXT(dir, "palermo", "venta", listings, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "palermo_venta_20240503_0907.txt"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.HasPrefix(out, "# Zonaprop — Palermo (venta) — 20240503_0907\n"))
	assert.Contains(t, out, "## 1. Depto\n- Precio: USD 100\n- Ubicación: Palermo\n- URL: https://a/1\n")
	assert.Contains(t, out, "## 3. (no title)\n- URL: https://a/2")
	assert.Equal(t, 2, strings.Count(out, "\n## "))
	assert.NotContains(t, out, "Agencia")
}

func TestDownloaderExportsWithFixedClock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "pagina") {
			_, _ = w.Write([]byte(emptyPage))
			return
		}
		_, _ = w.Write([]byte(pageOne))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := &Downloader{
		Scraper:    NewScraper(WithBaseURL(srv.URL), WithRate(1000)),
		ExportsDir: dir,
		Now:        func() time.Time { return time.Date(2025, 1, 2, 3, 4, 0, 0, time.UTC) },
	}
	res, err := d.Download(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, filepath.Join(dir, "caba_venta_20250102_0304.txt"), res.File)
	assert.FileExists(t, res.File)
}

// ── Executor ──

func TestSmartChunk(t *testing.T) {
	text := "# head\n\n## 1. a\n- URL: x\n\n## 2. b\n- URL: y\n"
	assert.Equal(t, text, SmartChunk(text, len(text)))

	cut := SmartChunk(text, strings.Index(text, "## 2.")+5)
	assert.Equal(t, "# head\n\n## 1. a\n- URL: x", cut)

	assert.Equal(t, "abc", SmartChunk("abcdef", 3), "no header keeps the hard cut")
}

func TestRenderSelections(t *testing.T) {
	price := "USD 100"
	out := RenderSelections("Found one.", []Selection{{Price: &price}}, "Palermo")
	assert.Contains(t, out, "Found one.\n\n#1 ▸ 🏷️ (null) — neighborhood: Palermo")
	assert.Contains(t, out, "     💵 USD 100")
	assert.Contains(t, out, "     🔗 (null)")

	none := RenderSelections("Done.", nil, "")
	assert.Equal(t, "Done.\n\n⚠️ No matching listings found.", none)
}

func execTemplate() prompts.Template {
	return prompts.Template{Name: "exec", Messages: []llm.Message{
		llm.SystemMessage("Run {action} in {neighborhood} over {filename}"),
		llm.UserMessage("{file_chunk}"),
	}}
}

func TestExecuteFileNotFound(t *testing.T) {
	e := NewFileCommandExecutor(llmtest.New("{}"), execTemplate(), t.TempDir(), 0, "m", nil)
	assert.Equal(t, "❌ File not found: nope.txt", e.Execute(context.Background(), "nope.txt", "x", ""))
}

func TestExecuteRendersSelections(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "palermo.txt"), []byte("## 1. Depto\n- URL: u\n"), 0o644))

	provider := llmtest.New(`{"result":{"summary":"Cheapest listing.","selection":{"header":"Depto","price":"USD 1","location":"Palermo","details":"2 amb","url":"u"}}}`)
	e := NewFileCommandExecutor(provider, execTemplate(), dir, 100, "exec-model", nil)

	out := e.Execute(context.Background(), "palermo.txt", " más barata ", "Palermo")
	assert.True(t, strings.HasPrefix(out, "Cheapest listing.\n\n#1 ▸ 🏷️ Depto — neighborhood: Palermo"))
	assert.True(t, strings.HasSuffix(out, "\n📄 File: palermo.txt"))

	call := provider.LastCall()
	require.Len(t, call, 2)
	assert.Equal(t, "Run más barata in Palermo over palermo.txt", call[0].Content)
	assert.Equal(t, "## 1. Depto\n- URL: u\n", call[1].Content)
	opts := provider.Options()[0]
	assert.True(t, opts.JSONMode)
	assert.Equal(t, "exec-model", opts.Model)
}

func TestExecuteBadJSONSaysDone(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644))
	e := NewFileCommandExecutor(llmtest.New("not json"), execTemplate(), dir, 0, "", nil)
	out := e.Execute(context.Background(), "f.txt", "a", "")
	assert.True(t, strings.HasPrefix(out, "Done.\n\n⚠️ No matching listings found."))
}

func TestExecuteLLMError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644))
	e := NewFileCommandExecutor(&llmtest.Provider{Err: errors.New("quota")}, execTemplate(), dir, 0, "", nil)
	assert.Equal(t, "❌ An error occurred while executing the command.", e.Execute(context.Background(), "f.txt", "a", ""))
}
