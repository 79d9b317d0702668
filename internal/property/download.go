package property

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DownloadResult describes one exported scrape.
type DownloadResult struct {
	Count int    `json:"count"`
	File  string `json:"file"`
}

// Downloader scrapes a barrio and exports every listing found.
type Downloader struct {
	Scraper    *Scraper
	ExportsDir string
	Logger     *zap.Logger
	Now        func() time.Time
}

// Download scrapes barrio/op and writes the export file. An empty barrio
// downloads all of CABA and is tagged "caba" in the file name.
func (d *Downloader) Download(ctx context.Context, barrio, op string) (DownloadResult, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	if op == "" {
		op = "venta"
	}
	start := time.Now()

	listings, err := d.Scraper.Scrape(ctx, barrio, op)
	if err != nil {
		return DownloadResult{}, err
	}

	tag := strings.ToLower(strings.TrimSpace(barrio))
	if tag == "" {
		tag = "caba"
	}
	path, err := ExportTXT(d.ExportsDir, tag, op, listings, now())
	if err != nil {
		return DownloadResult{}, err
	}
	logger.Info("zonaprop_download_done",
		zap.String("barrio", tag),
		zap.String("operacion", op),
		zap.Int("count", len(listings)),
		zap.String("file", path),
		zap.Duration("elapsed", time.Since(start)))
	return DownloadResult{Count: len(listings), File: path}, nil
}
