package retrieval

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/seenimoa/zchatbot/internal/vectorstore"
)

// DedupPreset controls how much of a chunk takes part in its fingerprint.
// Important chunks (shorter than ShortThreshold or containing a preserve
// keyword) keep a longer core, so near-duplicates of them survive.
type DedupPreset struct {
	Name             string
	ShortThreshold   int
	CoreImportant    int
	CoreLong         int
	PreserveKeywords []string
	MetaKeys         []string
}

var defaultPreserve = []string{"revenue", "guidance", "earnings", "eps", "margin", "risk", "outlook", "ebitda"}

// Presets by aggressiveness.
var (
	DedupLight = DedupPreset{
		Name: "light", ShortThreshold: 400, CoreImportant: 1500, CoreLong: 1000,
		PreserveKeywords: defaultPreserve, MetaKeys: []string{"source", "page"},
	}
	DedupMedium = DedupPreset{
		Name: "medium", ShortThreshold: 300, CoreImportant: 1500, CoreLong: 750,
		PreserveKeywords: defaultPreserve, MetaKeys: []string{"source", "page"},
	}
	DedupAggressive = DedupPreset{
		Name: "aggressive", ShortThreshold: 200, CoreImportant: 1000, CoreLong: 400,
		PreserveKeywords: defaultPreserve, MetaKeys: []string{"source"},
	}
)

// PresetFor picks the dedup preset for a query kind. Broad questions
// tolerate heavy pruning; specific and temporal ones keep more detail.
func PresetFor(kind Kind) DedupPreset {
	switch kind {
	case KindBroad:
		return DedupAggressive
	case KindSpecific, KindTemporal:
		return DedupLight
	default:
		return DedupMedium
	}
}

var (
	spaceRe   = regexp.MustCompile(`\s+`)
	nonWordRe = regexp.MustCompile(`[^\p{L}\p{N}_\s.%$-]`)
)

// Normalize lowercases text, drops punctuation other than . % $ - and
// collapses whitespace.
func Normalize(text string) string {
	t := spaceRe.ReplaceAllString(strings.ToLower(text), " ")
	t = nonWordRe.ReplaceAllString(t, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(t, " "))
}

// Fingerprint hashes the normalized core of doc plus the preset's metadata
// keys.
func Fingerprint(doc vectorstore.Document, p DedupPreset) string {
	n := Normalize(doc.Content)

	var meta []string
	for _, k := range p.MetaKeys {
		if v, ok := doc.Metadata[k]; ok {
			meta = append(meta, v)
		}
	}

	// Lengths count characters, not bytes.
	r := []rune(n)
	core := p.CoreLong
	if len(r) < p.ShortThreshold || hasKeyword(n, p.PreserveKeywords) {
		core = p.CoreImportant
	}
	if core > 0 && len(r) > core {
		n = string(r[:core])
	}

	h := xxhash.New()
	_, _ = h.WriteString(n)
	_, _ = h.WriteString(strings.Join(meta, "|"))
	return strconv.FormatUint(h.Sum64(), 16)
}

func hasKeyword(normalized string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	words := make(map[string]struct{})
	for _, w := range strings.Fields(normalized) {
		words[w] = struct{}{}
	}
	for _, k := range keywords {
		if _, ok := words[strings.ToLower(k)]; ok {
			return true
		}
	}
	return false
}

// Dedup drops documents whose fingerprint was already seen, keeping the
// first occurrence. It returns the survivors and the number removed.
func Dedup(docs []vectorstore.Document, p DedupPreset) ([]vectorstore.Document, int) {
	seen := make(map[string]struct{}, len(docs))
	out := make([]vectorstore.Document, 0, len(docs))
	for _, d := range docs {
		key := Fingerprint(d, p)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	return out, len(docs) - len(out)
}
