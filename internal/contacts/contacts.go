// Package contacts resolves people by name to a WhatsApp-capable phone
// number from a local CSV directory.
package contacts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// FuzzyCutoff is the minimum similarity ratio for a fuzzy match.
const FuzzyCutoff = 0.5

// ErrNoContacts is returned when the directory file holds no usable rows.
var ErrNoContacts = errors.New("contacts: no contacts loaded")

// Contact is a directory entry.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
	Match string `json:"match,omitempty"` // substring or fuzzy
}

// Directory is an in-memory contact list.
type Directory struct {
	entries []Contact
	logger  *zap.Logger
}

// NewDirectory wraps an existing list. Entries without a phone are kept
// for substring matches but are skipped by fuzzy matching.
func NewDirectory(entries []Contact, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{entries: entries, logger: logger}
}

// Load reads a CSV file with a name,phone[,email] layout. A header row
// whose first cell is "name" is skipped.
func Load(path string, logger *zap.Logger) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("contacts: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, logger)
}

// Parse reads a CSV directory from r.
func Parse(r io.Reader, logger *zap.Logger) (*Directory, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var out []Contact
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("contacts: parse: %w", err)
		}
		if len(rec) < 2 {
			continue
		}
		name := strings.TrimSpace(rec[0])
		if name == "" || (len(out) == 0 && strings.EqualFold(name, "name")) {
			continue
		}
		c := Contact{Name: name, Phone: strings.TrimSpace(rec[1])}
		if len(rec) > 2 {
			c.Email = strings.TrimSpace(rec[2])
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, ErrNoContacts
	}
	return NewDirectory(out, logger), nil
}

// Len reports the number of entries.
func (d *Directory) Len() int { return len(d.entries) }

// Find returns the first contact whose name contains query (case
// insensitive). Otherwise the closest name with a phone and a similarity
// ratio of at least FuzzyCutoff is returned.
func (d *Directory) Find(query string) (Contact, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return Contact{}, false
	}

	for _, c := range d.entries {
		if strings.Contains(strings.ToLower(c.Name), q) {
			d.logger.Info("contact_substring_match", zap.String("query", query), zap.String("name", c.Name))
			c.Match = "substring"
			return c, true
		}
	}

	best, bestRatio := -1, FuzzyCutoff
	for i, c := range d.entries {
		if c.Phone == "" {
			continue
		}
		if r := Ratio(q, strings.ToLower(c.Name)); r >= bestRatio {
			if r > bestRatio || best == -1 {
				best, bestRatio = i, r
			}
		}
	}
	if best == -1 {
		return Contact{}, false
	}
	c := d.entries[best]
	d.logger.Info("contact_fuzzy_match", zap.String("query", query), zap.String("name", c.Name), zap.Float64("ratio", bestRatio))
	c.Match = "fuzzy"
	return c, true
}

// Ratio returns 2*M/T where M counts characters in matching blocks found by
// repeatedly taking the longest common substring, and T is the combined
// length of a and b.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	return 2 * float64(matches(ra, rb)) / float64(total)
}

func matches(a, b []rune) int {
	i, j, n := longestCommon(a, b)
	if n == 0 {
		return 0
	}
	return n + matches(a[:i], b[:j]) + matches(a[i+n:], b[j+n:])
}

// longestCommon finds the longest common substring, preferring the
// earliest position in a and then in b.
func longestCommon(a, b []rune) (int, int, int) {
	bi, bj, bn := 0, 0, 0
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > bn {
					bi, bj, bn = i-cur[j], j-cur[j], cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return bi, bj, bn
}
