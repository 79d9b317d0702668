// Package llmtest provides scripted llm.Provider and llm.Embedder fakes for
// tests.
package llmtest

import (
	"context"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/seenimoa/zchatbot/internal/llm"
)

// HandlerFunc answers one chat call.
type HandlerFunc func(msgs []llm.Message, opts *llm.ChatOptions) (string, error)

// Provider is a fake llm.Provider. Handler, when set, answers every call;
// otherwise Responses are returned in order and the last one repeats.
type Provider struct {
	ProviderName string
	Handler      HandlerFunc
	Responses    []string
	Err          error
	PingErr      error

	mu    sync.Mutex
	calls [][]llm.Message
	opts  []*llm.ChatOptions
}

// New returns a provider that replies with responses in order.
func New(responses ...string) *Provider {
	return &Provider{Responses: responses}
}

// Func returns a provider driven by fn.
func Func(fn HandlerFunc) *Provider {
	return &Provider{Handler: fn}
}

// ByKeyword answers with the first value whose key appears in the
// concatenated message contents, or fallback.
func ByKeyword(rules map[string]string, fallback string) *Provider {
	return Func(func(msgs []llm.Message, _ *llm.ChatOptions) (string, error) {
		all := Join(msgs)
		best := ""
		for k := range rules {
			// Longest match wins so overlapping keys stay deterministic.
			if strings.Contains(all, k) && len(k) > len(best) {
				best = k
			}
		}
		if best != "" {
			return rules[best], nil
		}
		return fallback, nil
	})
}

func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "fake"
	}
	return p.ProviderName
}

func (p *Provider) Models() []string { return []string{"fake-model"} }

func (p *Provider) Ping(context.Context) error { return p.PingErr }

func (p *Provider) Chat(ctx context.Context, msgs []llm.Message, opts *llm.ChatOptions) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.calls = append(p.calls, append([]llm.Message(nil), msgs...))
	p.opts = append(p.opts, opts)
	n := len(p.calls)
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}

	var text string
	switch {
	case p.Handler != nil:
		var err error
		if text, err = p.Handler(msgs, opts); err != nil {
			return nil, err
		}
	case len(p.Responses) > 0:
		text = p.Responses[min(n, len(p.Responses))-1]
	}
	return &llm.Response{
		Content:      text,
		FinishReason: llm.FinishStop,
		Model:        "fake-model",
		Provider:     p.Name(),
	}, nil
}

// ChatStream emits the Chat answer word by word.
func (p *Provider) ChatStream(ctx context.Context, msgs []llm.Message, opts *llm.ChatOptions) (<-chan llm.StreamChunk, error) {
	resp, err := p.Chat(ctx, msgs, opts)
	if err != nil {
		return nil, err
	}
	words := strings.SplitAfter(resp.Content, " ")
	ch := make(chan llm.StreamChunk, len(words)+1)
	for _, w := range words {
		if w != "" {
			ch <- llm.StreamChunk{Content: w}
		}
	}
	ch <- llm.StreamChunk{Done: true, FinishReason: llm.FinishStop}
	close(ch)
	return ch, nil
}

// Calls returns a copy of the recorded message lists.
func (p *Provider) Calls() [][]llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]llm.Message(nil), p.calls...)
}

// Options returns the options of every recorded call.
func (p *Provider) Options() []*llm.ChatOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.ChatOptions(nil), p.opts...)
}

// CallCount returns the number of Chat calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// LastCall returns the most recent message list, or nil.
func (p *Provider) LastCall() []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return nil
	}
	return p.calls[len(p.calls)-1]
}

// Join concatenates message contents with newlines.
func Join(msgs []llm.Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n")
}

// Embedder is a deterministic bag-of-words embedder: each lowercase word is
// hashed into one of Dim buckets and the vector is L2-normalised. Texts
// listed in Fixed get exactly that vector.
type Embedder struct {
	Dim   int
	Fixed map[string][]float32
	Err   error

	mu    sync.Mutex
	calls int
}

// NewEmbedder returns a 64-dimensional hashing embedder.
func NewEmbedder() *Embedder {
	return &Embedder{Dim: 64}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}

	dim := e.Dim
	if dim <= 0 {
		dim = 64
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := e.Fixed[t]; ok {
			out[i] = v
			continue
		}
		out[i] = hashVector(t, dim)
	}
	return out, nil
}

// Calls returns how many Embed calls were made.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func hashVector(text string, dim int) []float32 {
	vec := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		vec[xxhash.Sum64String(w)%uint64(dim)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
