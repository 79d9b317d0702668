// Package property scrapes real-estate listings from Zonaprop, exports them
// to plain-text files and runs free-text commands over those files with an
// LLM.
package property

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Listing is one property card.
type Listing struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Price    string `json:"price,omitempty"`
	Location string `json:"location,omitempty"`
	Details  string `json:"details,omitempty"`
	Agency   string `json:"agency,omitempty"`
}

var (
	spacesRe   = regexp.MustCompile(`\s+`)
	keyCharsRe = regexp.MustCompile(`[^\p{L}\p{N}_\s\-.,]`)
	nonDigitRe = regexp.MustCompile(`\D`)
)

func normKey(s string) string {
	s = spacesRe.ReplaceAllString(strings.ToLower(s), " ")
	s = keyCharsRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// CanonicalKey identifies a listing across portals: normalized location,
// title and details plus the first eight price digits. The URL is not part
// of the key.
func (l Listing) CanonicalKey() string {
	digits := nonDigitRe.ReplaceAllString(l.Price, "")
	if len(digits) > 8 {
		digits = digits[:8]
	}
	key := strings.Join([]string{normKey(l.Location), normKey(l.Title), normKey(l.Details), digits}, " | ")
	return spacesRe.ReplaceAllString(key, " ")
}

// ExportName returns the export file name for a barrio, operation and time.
func ExportName(barrio, op string, now time.Time) string {
	suffix := ""
	if op != "" {
		suffix = "_" + op
	}
	return fmt.Sprintf("%s%s_%s.txt", strings.ReplaceAll(barrio, " ", "_"), suffix, now.Format("20060102_1504"))
}

// ExportTXT writes listings to {dir}/{barrio}_{op}_{YYYYMMDD_HHMM}.txt and
// returns the file path. Every listing starts with a "## " header line.
func ExportTXT(dir, barrio, op string, listings []Listing, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("property: create export dir: %w", err)
	}
	path := filepath.Join(dir, ExportName(barrio, op, now))

	opLabel := op
	if opLabel == "" {
		opLabel = "general"
	}
	lines := []string{fmt.Sprintf("# Zonaprop — %s (%s) — %s\n", titleCase(barrio), opLabel, now.Format("20060102_1504"))}

	seen := make(map[string]struct{}, len(listings))
	for i, it := range listings {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}

		title := it.Title
		if title == "" {
			title = "(no title)"
		}
		lines = append(lines, fmt.Sprintf("## %d. %s", i+1, title))
		for _, f := range []struct{ label, value string }{
			{"Precio", it.Price},
			{"Ubicación", it.Location},
			{"Detalles", it.Details},
			{"Agencia", it.Agency},
		} {
			if f.value != "" {
				lines = append(lines, "- "+f.label+": "+f.value)
			}
		}
		lines = append(lines, "- URL: "+it.URL, "")
	}

	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return "", fmt.Errorf("property: write export: %w", err)
	}
	return path, nil
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
