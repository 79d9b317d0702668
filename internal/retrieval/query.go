package retrieval

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/prompts"
)

// Kind is the retrieval-oriented category of a query.
type Kind string

const (
	KindBroad       Kind = "broad"
	KindEnumeration Kind = "enumeration"
	KindAnalytical  Kind = "analytical"
	KindTemporal    Kind = "temporal"
	KindSpecific    Kind = "specific"
	KindFuzzy       Kind = "fuzzy"
)

var kinds = map[Kind]bool{
	KindBroad: true, KindEnumeration: true, KindAnalytical: true,
	KindTemporal: true, KindSpecific: true, KindFuzzy: true,
}

var kindRules = []struct {
	kind     Kind
	keywords []string
}{
	{KindBroad, []string{"summarize", "overview", "dominant", "narratives", "themes"}},
	{KindEnumeration, []string{"list", "enumerate", "main risks", "key drivers"}},
	{KindAnalytical, []string{"why", "drivers", "catalysts", "factors", "explain"}},
	{KindTemporal, []string{"when", "timeline", "since", "evolution"}},
}

var specificPrefixes = []string{"what", "how much", "which", "is", "does"}

// ClassifyRules applies the keyword table. ok is false when no rule matched.
func ClassifyRules(query string) (Kind, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, r := range kindRules {
		for _, k := range r.keywords {
			if strings.Contains(q, k) {
				return r.kind, true
			}
		}
	}
	if len(strings.Fields(q)) <= 14 {
		for _, p := range specificPrefixes {
			if strings.HasPrefix(q, p) {
				return KindSpecific, true
			}
		}
	}
	return "", false
}

// Classifier labels queries by rule, asking the LLM only when no rule
// matches. Provider may be nil, in which case unmatched queries are fuzzy.
type Classifier struct {
	Provider llm.Provider
	Template prompts.Template
	Logger   *zap.Logger
}

// Classify returns the query kind, KindFuzzy when undecided.
func (c *Classifier) Classify(ctx context.Context, query string) Kind {
	if k, ok := ClassifyRules(query); ok {
		return k
	}
	if c.Provider == nil || len(c.Template.Messages) == 0 {
		return KindFuzzy
	}

	msgs := c.Template.Format(map[string]string{"query": query})
	resp, err := c.Provider.Chat(ctx, msgs, &llm.ChatOptions{Temperature: 0, JSONMode: true})
	if err != nil {
		c.logger().Info("classifier llm fallback failed", zap.Error(err))
		return KindFuzzy
	}
	var out struct {
		Type string `json:"type"`
	}
	if err := llm.DecodeJSON(resp.Content, &out); err != nil {
		// Plain-text answers are accepted too.
		out.Type = strings.TrimSpace(resp.Content)
	}
	if k := Kind(strings.ToLower(strings.TrimSpace(out.Type))); kinds[k] {
		return k
	}
	return KindFuzzy
}

func (c *Classifier) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Expander appends OR-joined synonyms for known terms.
type Expander struct {
	Synonyms []Synonym
}

// Synonym maps a trigger term to its alternatives.
type Synonym struct {
	Term string
	Alts []string
}

// DefaultSynonyms is the seed financial vocabulary.
var DefaultSynonyms = []Synonym{
	{"inflation", []string{"cpi", "prices", "cost of living"}},
	{"fed", []string{"federal reserve", "powell"}},
	{"recession", []string{"slowdown", "economic contraction"}},
	{"gold", []string{"xau", "precious metal"}},
}

// Expand returns `query (a OR b ...)`, or query when no term matches.
func (e Expander) Expand(query string) string {
	syns := e.Synonyms
	if syns == nil {
		syns = DefaultSynonyms
	}
	q := strings.ToLower(query)
	var extra []string
	for _, s := range syns {
		if strings.Contains(q, s.Term) {
			extra = append(extra, s.Alts...)
		}
	}
	if len(extra) == 0 {
		return query
	}
	return query + " (" + strings.Join(extra, " OR ") + ")"
}

// Rewriter asks the LLM for a sharper search query. Rewrites of four words
// or fewer are discarded.
type Rewriter struct {
	Provider llm.Provider
	Template prompts.Template
	Logger   *zap.Logger
}

// Rewrite returns the rewritten query, or query on failure.
func (r *Rewriter) Rewrite(ctx context.Context, query string) string {
	if r == nil || r.Provider == nil || len(r.Template.Messages) == 0 {
		return query
	}
	resp, err := r.Provider.Chat(ctx, r.Template.Format(map[string]string{"query": query}), &llm.ChatOptions{Temperature: 0})
	if err != nil {
		if r.Logger != nil {
			r.Logger.Info("query rewrite failed", zap.Error(err))
		}
		return query
	}
	out := strings.Trim(strings.TrimSpace(resp.Content), `"'`)
	if len(strings.Fields(out)) > 4 {
		return out
	}
	return query
}
