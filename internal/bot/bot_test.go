package bot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seenimoa/zchatbot/internal/config"
	"github.com/seenimoa/zchatbot/internal/intent"
	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/llm/llmtest"
	"github.com/seenimoa/zchatbot/internal/prompts"
	"github.com/seenimoa/zchatbot/internal/retrieval"
	"github.com/seenimoa/zchatbot/internal/vectorstore"
)

const systemPrompt = "You are a careful financial assistant."

func promptLoader(t *testing.T) *prompts.Loader {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "generic_prompt.txt"), []byte(systemPrompt), 0o644))
	return prompts.NewLoader(dir)
}

func promptBot(t *testing.T, p llm.Provider) *PromptBot {
	t.Helper()
	b, err := NewPromptBot(p, promptLoader(t), "generic_prompt")
	require.NoError(t, err)
	return b
}

// fixedStore returns a memory store whose embedder maps each text to a
// fixed two-dimensional vector.
func fixedStore(t *testing.T, vectors map[string][]float32, docs ...vectorstore.Document) vectorstore.Store {
	t.Helper()
	emb := llmtest.NewEmbedder()
	emb.Fixed = vectors
	s := vectorstore.NewMemoryStore(emb)
	if len(docs) > 0 {
		require.NoError(t, s.Add(context.Background(), "demo", docs))
	}
	return s
}

// hitsStore returns the same hits for every search.
type hitsStore struct {
	vectorstore.Store
	hits []vectorstore.ScoredDocument
}

func (s hitsStore) Search(context.Context, string, string, int) ([]vectorstore.ScoredDocument, error) {
	return s.hits, nil
}

type fakeIntents struct {
	res   intent.Result
	err   error
	calls int
}

func (f *fakeIntents) Dispatch(context.Context, string, string) (intent.Result, error) {
	f.calls++
	return f.res, f.err
}

// ── Prompt bot ──

func TestPromptBot(t *testing.T) {
	p := llmtest.New("  hello  ")
	b := promptBot(t, p)

	got, err := b.Handle(context.Background(), "s", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	call := p.LastCall()
	require.Len(t, call, 2)
	assert.Equal(t, systemPrompt, call[0].Content)
	assert.Equal(t, "hi", call[1].Content)
}

func TestPromptBotRequiresPrompt(t *testing.T) {
	_, err := NewPromptBot(llmtest.New("x"), promptLoader(t), "missing_prompt")
	assert.Error(t, err)

	_, err = NewPromptBot(nil, promptLoader(t), "generic_prompt")
	assert.ErrorIs(t, err, ErrNoProvider)
}

// ── Hybrid ──

func TestHybridBotRAG(t *testing.T) {
	q := "what did inflation do"
	store := fixedStore(t, map[string][]float32{
		"inflation rose to 5%": {1, 0},
		q:                      {1, 0},
	}, vectorstore.Document{ID: "1", Content: "inflation rose to 5%"})
	p := llmtest.New("It rose.")
	hb, err := NewHybridBot(store, "demo", promptBot(t, p), p)
	require.NoError(t, err)

	got, err := hb.Handle(context.Background(), "s", q)
	require.NoError(t, err)
	assert.Equal(t, "It rose.", got)

	m := hb.LastMetrics()
	assert.Equal(t, ModeRAG, m.Mode)
	assert.Equal(t, 1, m.DocsFound)
	assert.InDelta(t, 1.0, m.BestScore, 1e-9)
	assert.Equal(t, 0.4, m.Threshold)
	assert.Equal(t, "generic_prompt", m.PromptName)

	sys := p.LastCall()[0].Content
	assert.True(t, strings.HasPrefix(sys, systemPrompt+"\n\n"))
	assert.Contains(t, sys, "inflation rose to 5%")

	// The second turn carries the first exchange as history.
	_, err = hb.Handle(context.Background(), "s", q)
	require.NoError(t, err)
	assert.Len(t, p.LastCall(), 4)
}

func TestHybridBotFallsBackBelowThreshold(t *testing.T) {
	q := "unrelated"
	store := fixedStore(t, map[string][]float32{
		"far away": {10, 0},
		q:          {0, 0},
	}, vectorstore.Document{ID: "1", Content: "far away"})
	p := llmtest.New("fallback answer")
	hb, err := NewHybridBot(store, "demo", promptBot(t, p), p)
	require.NoError(t, err)

	got, err := hb.Handle(context.Background(), "s", q)
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", got)
	assert.Equal(t, ModeFallback, hb.LastMetrics().Mode)
	assert.Len(t, p.LastCall(), 2)
}

func TestHybridBotThresholdUsesSquaredDistance(t *testing.T) {
	q := "close but not close enough"
	store := fixedStore(t, map[string][]float32{
		"nearby": {1.3, 0},
		q:        {0, 0},
	}, vectorstore.Document{ID: "1", Content: "nearby"})
	p := llmtest.New("fallback answer")
	hb, err := NewHybridBot(store, "demo", promptBot(t, p), p)
	require.NoError(t, err)

	_, err = hb.Handle(context.Background(), "s", q)
	require.NoError(t, err)

	m := hb.LastMetrics()
	assert.Equal(t, ModeFallback, m.Mode)
	assert.Equal(t, 1, m.DocsFound)
	assert.InDelta(t, 1/(1+1.69), m.BestScore, 1e-6)
	assert.Len(t, p.LastCall(), 2)
}

func TestHybridBotFallsBackOnBlankDocuments(t *testing.T) {
	store := hitsStore{hits: []vectorstore.ScoredDocument{
		{Document: vectorstore.Document{ID: "1", Content: "  "}, Score: 0.9},
		{Document: vectorstore.Document{ID: "2", Content: "\n\t"}, Score: 0.8},
	}}
	p := llmtest.New("fallback answer")
	hb, err := NewHybridBot(store, "demo", promptBot(t, p), p)
	require.NoError(t, err)

	got, err := hb.Handle(context.Background(), "s", "anything")
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", got)

	m := hb.LastMetrics()
	assert.Equal(t, ModeFallback, m.Mode)
	assert.Equal(t, 2, m.DocsFound)
	assert.InDelta(t, 0.9, m.BestScore, 1e-9)

	call := p.LastCall()
	require.Len(t, call, 2)
	assert.Equal(t, systemPrompt, call[0].Content)
}

func TestHybridBotFallsBackOnEmptyStoreAndErrors(t *testing.T) {
	emb := llmtest.NewEmbedder()
	emb.Err = errors.New("embedding down")
	p := llmtest.New("fallback")
	hb, err := NewHybridBot(vectorstore.NewMemoryStore(emb), "demo", promptBot(t, p), p)
	require.NoError(t, err)

	got, err := hb.Handle(context.Background(), "s", "q")
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)
	assert.Equal(t, ModeFallback, hb.LastMetrics().Mode)
}

func TestNewHybridBotValidates(t *testing.T) {
	p := llmtest.New("x")
	_, err := NewHybridBot(nil, "demo", promptBot(t, p), p)
	assert.ErrorIs(t, err, ErrNoStore)
	_, err = NewHybridBot(fixedStore(t, nil), "demo", nil, p)
	assert.ErrorIs(t, err, ErrNoProvider)
}

// ── Reranked ──

func TestRerankedRAGBot(t *testing.T) {
	store := fixedStore(t, nil, vectorstore.Document{ID: "1", Content: "The fed held rates."})
	p := llmtest.New("Rates were held.")
	rb, err := NewRerankedRAGBot(retrieval.NewPipeline(store, "demo"), promptBot(t, p), p)
	require.NoError(t, err)

	got, err := rb.Handle(context.Background(), "s", "  what did the fed do?  ")
	require.NoError(t, err)
	assert.Equal(t, "Rates were held.", got)

	call := p.LastCall()
	require.Len(t, call, 2)
	assert.Contains(t, call[0].Content, systemPrompt+"\n\nContext:\n")
	assert.Contains(t, call[0].Content, "The fed held rates.")
	assert.True(t, strings.HasPrefix(call[1].Content, "Chat history:\n"))
	assert.True(t, strings.HasSuffix(call[1].Content, "\n\nQuestion:\nwhat did the fed do?"))
	assert.Equal(t, ModeRAG, rb.LastMetrics().Mode)

	_, err = rb.Handle(context.Background(), "s", "and then?")
	require.NoError(t, err)
	assert.Contains(t, p.LastCall()[1].Content, "User: what did the fed do?")
}

func TestRerankedRAGBotEmptyAnswer(t *testing.T) {
	p := llmtest.New("   ")
	rb, err := NewRerankedRAGBot(retrieval.NewPipeline(fixedStore(t, nil), "demo"), promptBot(t, p), p)
	require.NoError(t, err)

	got, err := rb.Handle(context.Background(), "s", "anything")
	require.NoError(t, err)
	assert.Equal(t, NoEvidence, got)
}

func TestRerankedRAGBotErrorID(t *testing.T) {
	p := &llmtest.Provider{Err: errors.New("boom")}
	base, err := NewPromptBot(llmtest.New("x"), promptLoader(t), "generic_prompt")
	require.NoError(t, err)
	rb, err := NewRerankedRAGBot(retrieval.NewPipeline(fixedStore(t, nil), "demo"), base, p)
	require.NoError(t, err)

	got, err := rb.Handle(context.Background(), "s", "anything")
	require.NoError(t, err)
	assert.Regexp(t, `^RerankedRAG error \([0-9a-f-]{8}\)\.$`, got)
	assert.Equal(t, ModeError, rb.LastMetrics().Mode)
}

// ── File bots ──

func TestReadCapped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("ñandú y más"), 0o644))

	got, err := ReadCapped(path, 5, "…")
	require.NoError(t, err)
	assert.Equal(t, "ñandú…", got)

	got, err = ReadCapped(path, 100, "…")
	require.NoError(t, err)
	assert.Equal(t, "ñandú y más", got)

	_, err = ReadCapped(filepath.Join(t.TempDir(), "none"), 5, "")
	assert.Error(t, err)
}

func TestFileIndexerBotUsesDetectedFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "K10"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "K10", "aapl.json"), []byte(`{"revenue": 391}`), 0o644))

	q := "apple revenue"
	store := fixedStore(t, map[string][]float32{"apple annual report": {1, 0}, q: {1, 0}},
		vectorstore.Document{ID: "1", Content: "apple annual report", Metadata: map[string]string{"path": "K10/aapl.json"}})
	p := llmtest.New("Revenue was 391.")
	hb, err := NewHybridBot(store, "demo", promptBot(t, p), p)
	require.NoError(t, err)
	intents := &fakeIntents{}
	fb := NewFileIndexerBot(hb, root, intents)

	got, err := fb.Handle(context.Background(), "s", q)
	require.NoError(t, err)
	assert.Equal(t, "Revenue was 391.", got)
	assert.Equal(t, 1, intents.calls)

	user := p.LastCall()[1].Content
	assert.Equal(t, "apple revenue\n\n---\n📂 Relevant file detected:\naapl.json\n\nFile content:\n{\"revenue\": 391}", user)
	assert.Equal(t, ModeFile, fb.LastMetrics().Mode)
}

func TestFileIndexerBotSkipsFileBelowSquaredThreshold(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "K10"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "K10", "aapl.json"), []byte(`{"revenue": 391}`), 0o644))

	q := "apple revenue"
	store := fixedStore(t, map[string][]float32{"apple annual report": {1.3, 0}, q: {0, 0}},
		vectorstore.Document{ID: "1", Content: "apple annual report", Metadata: map[string]string{"path": "K10/aapl.json"}})
	p := llmtest.New("no file")
	hb, err := NewHybridBot(store, "demo", promptBot(t, p), p)
	require.NoError(t, err)
	fb := NewFileIndexerBot(hb, root, &fakeIntents{})

	_, err = fb.Handle(context.Background(), "s", q)
	require.NoError(t, err)
	assert.Equal(t, ModeFallback, fb.LastMetrics().Mode)
	assert.Equal(t, q, p.LastCall()[1].Content)
}

func TestFileIndexerBotIntentShortCircuits(t *testing.T) {
	p := llmtest.New("should not be called")
	hb, err := NewHybridBot(fixedStore(t, nil), "demo", promptBot(t, p), p)
	require.NoError(t, err)
	intents := &fakeIntents{res: intent.Result{Handled: true, Message: "✅ done", Intent: "send_transfer", Flag: "COMPLETED"}}
	fb := NewFileIndexerBot(hb, t.TempDir(), intents)

	got, err := fb.Handle(context.Background(), "s", "mandale 100 a Juan")
	require.NoError(t, err)
	assert.Equal(t, "✅ done", got)
	assert.Equal(t, 0, p.CallCount())
	m := fb.LastMetrics()
	assert.Equal(t, ModeIntent, m.Mode)
	assert.Equal(t, "send_transfer", m.Intent)
}

func TestFileIndexerBotFallsThroughToHybrid(t *testing.T) {
	p := llmtest.New("plain answer")
	hb, err := NewHybridBot(fixedStore(t, nil), "demo", promptBot(t, p), p)
	require.NoError(t, err)
	fb := NewFileIndexerBot(hb, t.TempDir(), &fakeIntents{err: errors.New("cache down")})

	got, err := fb.Handle(context.Background(), "s", "hello")
	require.NoError(t, err)
	assert.Equal(t, "plain answer", got)
	assert.Equal(t, ModeFallback, fb.LastMetrics().Mode)
}

func TestIntentFileBot(t *testing.T) {
	root := t.TempDir()
	rel := filepath.Join("K10_sentiment_summary_report_rank", "2024", "sentiment_summary_ranking_2024.csv")
	require.NoError(t, os.MkdirAll(filepath.Join(root, filepath.Dir(rel)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, rel), []byte("symbol,score\nAAPL,0.8\n"), 0o644))

	p := llmtest.New("AAPL leads.")
	b := NewIntentFileBot([]intent.PathDetector{intent.CompetitionFile{}, intent.SentimentRankingFile{}}, root, promptBot(t, p))

	got, err := b.Handle(context.Background(), "s", "ranking de sentimiento 10-K 2024")
	require.NoError(t, err)
	assert.Equal(t, "AAPL leads.", got)
	user := p.LastCall()[1].Content
	assert.Contains(t, user, "📂 File identified: "+rel)
	assert.Contains(t, user, "Contenido del archivo:\nsymbol,score")
	assert.Equal(t, ModeFile, b.LastMetrics().Mode)

	got, err = b.Handle(context.Background(), "s", "hola")
	require.NoError(t, err)
	assert.Equal(t, NoFileIntent, got)

	got, err = b.Handle(context.Background(), "s", "ranking trimestral 2023")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "Error reading file: "))
}

func TestIntentBot(t *testing.T) {
	p := llmtest.New("engine answer")
	intents := &fakeIntents{}
	b := NewIntentBot(promptBot(t, p), intents, nil)

	got, err := b.Handle(context.Background(), "s", "hi")
	require.NoError(t, err)
	assert.Equal(t, "engine answer", got)

	intents.res = intent.Result{Handled: true, Message: "intent answer", Intent: "x"}
	got, err = b.Handle(context.Background(), "s", "hi")
	require.NoError(t, err)
	assert.Equal(t, "intent answer", got)
	assert.Equal(t, 1, p.CallCount())
	assert.Equal(t, ModeIntent, b.LastMetrics().Mode)
}

// ── Memory ──

func TestMemoryFoldsOldTurns(t *testing.T) {
	m := NewMemory(4)
	m.Add("q1", "a1")
	m.Add("q2", "a2")
	assert.Equal(t, 4, m.Len())
	assert.Empty(t, m.Summary())

	m.Add("q3", "a3")
	assert.Equal(t, 4, m.Len())
	assert.Equal(t, "User: q1\nAssistant: a1", m.Summary())

	msgs := m.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, m.Transcript(), "User: q3\nAssistant: a3")

	m.Reset()
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.Messages())
}

func TestSummaryTailKeepsWholeRunes(t *testing.T) {
	s := "a" + strings.Repeat("€", 10) // 31 bytes
	got := summaryTail(s, 10)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("€", 3), got)

	assert.Equal(t, "line two", summaryTail("line one\nline two", 12))
	assert.Equal(t, "short", summaryTail("short", 10))
}

func TestSessions(t *testing.T) {
	s := NewSessions(10)
	s.Get("a").Add("q", "a")
	assert.Equal(t, 2, s.Get("a").Len())
	assert.Equal(t, 0, s.Get("b").Len())
	assert.Same(t, s.Get(""), s.Get(DefaultSession))
	s.Drop("a")
	assert.Equal(t, 0, s.Get("a").Len())
}

// ── Topics ──

func TestParseTopicEventClamps(t *testing.T) {
	ev := ParseTopicEvent(map[string]any{
		"topic":            "market news",
		"subtopic":         " ",
		"intent":           "ask_price",
		"confidence":       3.0,
		"sentiment":        -7.0,
		"urgency":          "2",
		"pii_detected":     "yes",
		"compliance_risk":  "EXTREME",
		"suggested_action": "follow up",
		"outcome":          "Success",
	})
	assert.Equal(t, "MARKET_NEWS", ev.Topic)
	assert.Nil(t, ev.Subtopic)
	require.NotNil(t, ev.Intent)
	assert.Equal(t, "ask_price", *ev.Intent)
	assert.Equal(t, 1.0, ev.Confidence)
	assert.Equal(t, -2, ev.Sentiment)
	assert.Equal(t, 2, ev.Urgency)
	assert.True(t, ev.PIIDetected)
	assert.Equal(t, "low", ev.ComplianceRisk)
	assert.Equal(t, "FOLLOW_UP", ev.SuggestedAction)
	assert.Equal(t, "success", ev.Outcome)
	assert.NotEmpty(t, ev.RunID)
}

func TestTopicExtractorFailureIsUnknown(t *testing.T) {
	tpl := prompts.Builtins()[prompts.TopicExtractor]
	ev := NewTopicExtractor(llmtest.New("not json"), tpl, "", nil).Extract(context.Background(), "q", "a")
	assert.Equal(t, "UNKNOWN", ev.Topic)
	assert.Equal(t, "NO_ACTION", ev.SuggestedAction)
}

func TestTopicLogger(t *testing.T) {
	p := llmtest.Func(func(msgs []llm.Message, opts *llm.ChatOptions) (string, error) {
		if opts != nil && opts.JSONMode {
			return `{"topic": "GREETING", "confidence": 0.9}`, nil
		}
		return "hi there", nil
	})
	tl := TopicLogger{
		Engine:    promptBot(t, p),
		Extractor: NewTopicExtractor(p, prompts.Builtins()[prompts.TopicExtractor], "", nil),
	}
	got, err := tl.Handle(context.Background(), "s", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi there", got)
	assert.Equal(t, 2, p.CallCount())
	assert.Contains(t, llmtest.Join(p.LastCall()), "Answer:\nhi there")
}

// ── Build ──

func buildConfig(t *testing.T, logic string) *config.Config {
	t.Helper()
	return &config.Config{
		Bot: config.BotConfig{
			Profile:        "demo",
			Logic:          logic,
			Prompt:         "generic_prompt",
			PromptsDir:     promptLoader(t).Dir(),
			IndexFilesRoot: t.TempDir(),
			MemorySize:     10,
		},
		Retrieval: config.RetrievalConfig{TopK: 4, Threshold: 0.4, DenseK: 8, SparseK: 12, WeightDense: 0.65, WeightSparse: 0.35, FusionTopK: 10},
	}
}

func TestBuildSelectsLogic(t *testing.T) {
	p := llmtest.New("ok")
	store := fixedStore(t, nil)
	intents := &fakeIntents{}

	tests := []struct {
		logic string
		check func(t *testing.T, e Engine)
	}{
		{"prompt", func(t *testing.T, e Engine) { assert.IsType(t, &IntentBot{}, e) }},
		{"", func(t *testing.T, e Engine) {
			require.IsType(t, &IntentBot{}, e)
			assert.IsType(t, &HybridBot{}, e.(*IntentBot).next)
		}},
		{"RERANKED", func(t *testing.T, e Engine) {
			require.IsType(t, &IntentBot{}, e)
			assert.IsType(t, &RerankedRAGBot{}, e.(*IntentBot).next)
		}},
		{"file_indexer", func(t *testing.T, e Engine) { assert.IsType(t, &FileIndexerBot{}, e) }},
		{"intent_file", func(t *testing.T, e Engine) {
			require.IsType(t, &IntentBot{}, e)
			assert.IsType(t, &IntentFileBot{}, e.(*IntentBot).next)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.logic, func(t *testing.T) {
			e, err := Build(buildConfig(t, tt.logic), Deps{Provider: p, Store: store, Intents: intents})
			require.NoError(t, err)
			tt.check(t, e)
		})
	}
}

func TestBuildWithoutIntentsAndWithTopics(t *testing.T) {
	cfg := buildConfig(t, "prompt")
	cfg.Bot.CustomLogger = true

	e, err := Build(cfg, Deps{Provider: llmtest.New("ok")})
	require.NoError(t, err)
	tl, ok := e.(TopicLogger)
	require.True(t, ok)
	assert.IsType(t, &PromptBot{}, tl.Engine)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(buildConfig(t, "prompt"), Deps{})
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = Build(buildConfig(t, "quantum"), Deps{Provider: llmtest.New("x")})
	assert.ErrorIs(t, err, ErrUnknownLogic)

	_, err = Build(buildConfig(t, "hybrid"), Deps{Provider: llmtest.New("x")})
	assert.ErrorIs(t, err, ErrNoStore)

	cfg := buildConfig(t, "prompt")
	cfg.Bot.Prompt = "nope"
	_, err = Build(cfg, Deps{Provider: llmtest.New("x")})
	assert.Error(t, err)
}
