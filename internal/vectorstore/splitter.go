package vectorstore

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultSeparators are tried in order: paragraphs, lines, sentences, words,
// then single characters.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Splitter splits text into chunks of at most Size runes, repeating up to
// Overlap runes of the previous chunk at the start of the next one.
type Splitter struct {
	Size       int
	Overlap    int
	Separators []string
}

// NewSplitter returns a splitter with the default separators.
func NewSplitter(size, overlap int) Splitter {
	if size <= 0 {
		size = 800
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return Splitter{Size: size, Overlap: overlap, Separators: DefaultSeparators}
}

// Split breaks text into chunks, preferring the coarsest separator that
// keeps pieces under Size.
func (s Splitter) Split(text string) []string {
	seps := s.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	return s.split(text, seps)
}

// SplitDocuments splits each document, copying its metadata into every chunk
// and recording the chunk index.
func (s Splitter) SplitDocuments(docs []Document) []Document {
	var out []Document
	for _, d := range docs {
		for i, chunk := range s.Split(d.Content) {
			meta := make(map[string]string, len(d.Metadata)+1)
			for k, v := range d.Metadata {
				meta[k] = v
			}
			meta["chunk"] = strconv.Itoa(i)
			out = append(out, Document{ID: d.ID + "#" + strconv.Itoa(i), Content: chunk, Metadata: meta})
		}
	}
	return out
}

func (s Splitter) split(text string, seps []string) []string {
	sep, rest := "", []string(nil)
	for i, c := range seps {
		if c == "" {
			break
		}
		if strings.Contains(text, c) {
			sep, rest = c, seps[i+1:]
			break
		}
	}

	var out, good []string
	for _, p := range splitKeep(text, sep) {
		if p == "" {
			continue
		}
		if utf8.RuneCountInString(p) <= s.Size {
			good = append(good, p)
			continue
		}
		if len(good) > 0 {
			out = append(out, s.merge(good)...)
			good = nil
		}
		if len(rest) == 0 {
			out = append(out, s.merge(splitKeep(p, ""))...)
			continue
		}
		out = append(out, s.split(p, rest)...)
	}
	if len(good) > 0 {
		out = append(out, s.merge(good)...)
	}
	return out
}

// merge packs pieces into chunks of at most Size runes, carrying the tail of
// each chunk (up to Overlap runes) into the next.
func (s Splitter) merge(pieces []string) []string {
	var (
		docs  []string
		cur   []string
		total int
	)
	flush := func() {
		if doc := strings.TrimSpace(strings.Join(cur, "")); doc != "" {
			docs = append(docs, doc)
		}
	}

	for _, p := range pieces {
		n := utf8.RuneCountInString(p)
		if total+n > s.Size && len(cur) > 0 {
			flush()
			for len(cur) > 0 && (total > s.Overlap || total+n > s.Size) {
				total -= utf8.RuneCountInString(cur[0])
				cur = cur[1:]
			}
		}
		cur = append(cur, p)
		total += n
	}
	flush()
	return docs
}

// splitKeep splits text on sep and keeps sep at the start of every piece but
// the first. An empty sep splits into runes.
func splitKeep(text, sep string) []string {
	if sep == "" {
		out := make([]string, 0, len(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}
	parts := strings.Split(text, sep)
	for i := 1; i < len(parts); i++ {
		parts[i] = sep + parts[i]
	}
	return parts
}
