package intent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/cache"
	"github.com/seenimoa/zchatbot/internal/contacts"
	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/llm/llmtest"
	"github.com/seenimoa/zchatbot/internal/prompts"
	"github.com/seenimoa/zchatbot/internal/property"
	"github.com/seenimoa/zchatbot/internal/whatsapp"
)

// Markers found in the system message of each builtin prompt.
const (
	mDownload      = "download, scrape or export"
	mFileClassify  = "run a command or question over"
	mFileSlots     = "extract parameters from a request"
	mFileReprompt  = "asking only for the missing fields"
	mOutbound      = "outbound WhatsApp sales"
	mTransferGate  = "precise detector"
	mTransferClass = "intent classifier"
	mTransferSlots = "data extractor"
	mTransferAsk   = "SHORT, friendly follow-up"
	mPhone         = "formatter of phone numbers"
	mHook          = "asesor financiero"
)

// router answers by matching the system message; fn receives the last
// message content.
func router(routes map[string]func(last string) string) *llmtest.Provider {
	return llmtest.Func(func(msgs []llm.Message, _ *llm.ChatOptions) (string, error) {
		sys, last := msgs[0].Content, msgs[len(msgs)-1].Content
		for marker, fn := range routes {
			if strings.Contains(sys, marker) {
				return fn(last), nil
			}
		}
		return `{}`, nil
	})
}

func fixed(s string) func(string) string { return func(string) string { return s } }

func newClassifier(p llm.Provider) classifier {
	return classifier{provider: p, prompts: prompts.NewIntentLoader(""), logger: zap.NewNop()}
}

func memoryState() *StateStore { return NewStateStore(cache.NewMemory(time.Minute), time.Minute) }

type fakeDownloader struct {
	res   property.DownloadResult
	err   error
	calls []string
}

func (f *fakeDownloader) Download(_ context.Context, barrio, op string) (property.DownloadResult, error) {
	f.calls = append(f.calls, barrio+"|"+op)
	return f.res, f.err
}

type fakeExecutor struct{ got []string }

func (f *fakeExecutor) Execute(_ context.Context, filename, action, neighborhood string) string {
	f.got = []string{filename, action, neighborhood}
	return "done: " + action
}

type sent struct{ to, body string }

type fakeSender struct {
	sent []sent
	err  error
}

func (f *fakeSender) Send(_ context.Context, to, body string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sent{to, body})
	return "SM1", nil
}

func decodeAnswer(t *testing.T, msg string) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(msg), &out), msg)
	return out
}

// ── State ──

func TestStateStore(t *testing.T) {
	ctx := context.Background()
	s := memoryState()

	_, ok, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, "s1", SlotState{Intent: NameMoneyTransfer, Slots: map[string]string{"recipient": "Maria"}}))
	st, ok, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Maria", st.Slots["recipient"])
	assert.False(t, st.UpdatedAt.IsZero())

	require.NoError(t, s.Clear(ctx, "s1"))
	_, ok, _ = s.Load(ctx, "s1")
	assert.False(t, ok)
}

func TestStateStoreDisabledCacheFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	s := NewStateStore(cache.Disabled{}, 0)
	require.NoError(t, s.Save(ctx, "s", SlotState{Intent: "x"}))
	_, ok, err := s.Load(ctx, "s")
	require.NoError(t, err)
	assert.True(t, ok)
}

// ── Property download ──

func TestPropertyDownload(t *testing.T) {
	ctx := context.Background()
	dl := &fakeDownloader{res: property.DownloadResult{Count: 42, File: "exports/caba_venta.txt"}}
	d := NewPropertyDownload(newClassifier(router(map[string]func(string) string{
		mDownload: fixed(`{"should_download": "yes"}`),
	})), dl)

	res, err := d.TryHandle(ctx, "s", "bajame todas las propiedades de zonaprop")
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Equal(t, StageExecuted, res.Stage)
	assert.Equal(t, "✅ Downloaded 42 *venta* listings in *CABA (all barrios)*.\nFile: exports/caba_venta.txt", res.Message)
	assert.Equal(t, []string{"|venta"}, dl.calls)

	res, err = d.Resume(ctx, "s", "otra cosa")
	require.NoError(t, err)
	assert.False(t, res.Handled)
}

func TestPropertyDownloadFailure(t *testing.T) {
	dl := &fakeDownloader{err: errors.New("blocked")}
	d := NewPropertyDownload(newClassifier(router(map[string]func(string) string{
		mDownload: fixed(`{"property_download": true}`),
	})), dl)

	res, err := d.TryHandle(context.Background(), "s", "descargá zonaprop")
	require.NoError(t, err)
	assert.Equal(t, StageError, res.Stage)
	assert.Equal(t, "ERROR", res.Flag)
	assert.Contains(t, res.Message, "❌ An error occurred while executing the download")
}

func TestPropertyDownloadNotDetected(t *testing.T) {
	dl := &fakeDownloader{}
	d := NewPropertyDownload(newClassifier(router(map[string]func(string) string{
		mDownload: fixed(`{"property_download": false, "download": true}`),
	})), dl)

	res, err := d.TryHandle(context.Background(), "s", "hola")
	require.NoError(t, err)
	assert.False(t, res.Handled, "first alias present decides")
	assert.Empty(t, dl.calls)
}

// ── Command execution ──

func TestCommandExecution(t *testing.T) {
	ex := &fakeExecutor{}
	c := NewCommandExecution(newClassifier(router(map[string]func(string) string{
		mFileClassify: fixed(`{"is_cmd": true}`),
		mFileSlots:    fixed(`{"slots": {"filename": "caba.txt", "action": "mostrá la más cara en Palermo", "neighborhood": "Palermo"}}`),
	})), ex)

	res, err := c.TryHandle(context.Background(), "s", "en caba.txt mostrá la más cara en Palermo")
	require.NoError(t, err)
	assert.Equal(t, StageExecuted, res.Stage)
	assert.Equal(t, "done: mostrá la más cara en Palermo", res.Message)
	assert.Equal(t, []string{"caba.txt", "mostrá la más cara en Palermo", "Palermo"}, ex.got)
}

func TestCommandExecutionReprompt(t *testing.T) {
	ex := &fakeExecutor{}
	p := router(map[string]func(string) string{
		mFileClassify: fixed(`{"cmd_exec": true}`),
		mFileSlots:    fixed(`{"slots": {"action": "listá todo", "filename": null}}`),
		mFileReprompt: fixed(`{"reprompt": "¿Sobre qué archivo?"}`),
	})
	c := NewCommandExecution(newClassifier(p), ex)

	res, err := c.TryHandle(context.Background(), "s", "listá todo")
	require.NoError(t, err)
	assert.Equal(t, StageReprompt, res.Stage)
	assert.Equal(t, "¿Sobre qué archivo?", res.Message)
	assert.Nil(t, ex.got)
	assert.Contains(t, llmtest.Join(p.LastCall()), "filename")
}

func TestCommandExecutionRepromptFallback(t *testing.T) {
	c := NewCommandExecution(newClassifier(router(map[string]func(string) string{
		mFileClassify: fixed(`{"cmd_exec": true}`),
		mFileSlots:    fixed(`{"slots": {}}`),
		mFileReprompt: fixed(`not json`),
	})), &fakeExecutor{})

	res, err := c.TryHandle(context.Background(), "s", "hacé algo")
	require.NoError(t, err)
	assert.Equal(t, fileCommandFallback, res.Message)
}

func TestMissingFileCommandSlots(t *testing.T) {
	keys := func(s []Slot) []string { return slotKeys(s) }

	assert.Empty(t, MissingFileCommandSlots(map[string]string{"filename": "a.txt", "action": "resumí"}))
	assert.Equal(t, []string{"filename", "action"}, keys(MissingFileCommandSlots(map[string]string{})))
	assert.Equal(t, []string{"neighborhood"},
		keys(MissingFileCommandSlots(map[string]string{"filename": "a.txt", "action": "Buscá la más cara en "})))
	assert.Empty(t, MissingFileCommandSlots(map[string]string{
		"filename": "a.txt", "action": "buscá la más cara en ", "neighborhood": "Belgrano",
	}))
}

// ── Money transfer ──

func transferProvider() *llmtest.Provider {
	return router(map[string]func(string) string{
		mTransferGate:  fixed(`{"is_transfer": true}`),
		mTransferClass: fixed(`{"intent": "send_transfer", "confidence": 0.9}`),
		mTransferSlots: func(last string) string {
			if strings.Contains(last, "User message:\nUSD 250") {
				return `{"slots": {"amount": "USD 250"}}`
			}
			return `{"slots": {"recipient": "Maria"}}`
		},
		mTransferAsk: fixed(`{"reprompt": "¿Cuánto le mando a Maria?"}`),
	})
}

func TestMoneyTransferMultiTurn(t *testing.T) {
	ctx := context.Background()
	state := memoryState()
	tr := NewMoneyTransfer(newClassifier(transferProvider()), state)
	d := NewDispatcher([]Detector{tr}, state, nil)

	res, err := d.Dispatch(ctx, "s1", "Quiero transferirle a Maria")
	require.NoError(t, err)
	assert.Equal(t, StageAskMissing, res.Stage)
	assert.Equal(t, "¿Cuánto le mando a Maria?", res.Message)

	st, ok, err := state.Load(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"amount"}, st.Missing)
	assert.Equal(t, "¿Cuánto le mando a Maria?", st.LastReprompt)

	res, err = d.Dispatch(ctx, "s1", "USD 250")
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, res.Stage)
	assert.Equal(t, "✅ Transferencia enviada: USD 250 a Maria. (Demo)", res.Message)

	_, ok, _ = state.Load(ctx, "s1")
	assert.False(t, ok, "state cleared after completion")
}

func TestMoneyTransferLowConfidence(t *testing.T) {
	p := router(map[string]func(string) string{
		mTransferGate:  fixed(`{"is_transfer": true}`),
		mTransferClass: fixed(`{"intent": "send_transfer", "confidence": 0.5}`),
	})
	tr := NewMoneyTransfer(newClassifier(p), memoryState())

	res, err := tr.TryHandle(context.Background(), "s", "mangos")
	require.NoError(t, err)
	assert.False(t, res.Handled)
}

func TestMoneyTransferGateClosed(t *testing.T) {
	p := router(map[string]func(string) string{mTransferGate: fixed(`{"is_transfer": false}`)})
	tr := NewMoneyTransfer(newClassifier(p), memoryState())

	res, err := tr.TryHandle(context.Background(), "s", "hola")
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Equal(t, 1, p.CallCount())
}

func TestMoneyTransferRepromptFallback(t *testing.T) {
	p := router(map[string]func(string) string{
		mTransferGate:  fixed(`{"is_transfer": true}`),
		mTransferClass: fixed(`{"intent": "send_transfer", "confidence": 0.8}`),
		mTransferSlots: fixed(`{"slots": {}}`),
		mTransferAsk:   fixed(`{"reprompt": ""}`),
	})
	tr := NewMoneyTransfer(newClassifier(p), memoryState())

	res, err := tr.TryHandle(context.Background(), "s", "mandá plata")
	require.NoError(t, err)
	assert.Equal(t, transferFallback, res.Message)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in       string
		want     string
		currency string
	}{
		{"10.000 ARS", "10000", "ARS"},
		{"USD 250", "250", "USD"},
		{"1,5", "1.5", ""},
		{"$ 1.234,56", "1234.56", "ARS"},
		{"US$ 1,234.50", "1234.5", "USD"},
		{"10,000", "10000", ""},
		{"eur 12", "12", "EUR"},
	}
	for _, tt := range tests {
		got, cur, err := ParseAmount(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "%s: got %s", tt.in, got)
		assert.Equal(t, tt.currency, cur, tt.in)
	}

	_, _, err := ParseAmount("unos mangos")
	assert.Error(t, err)
}

// ── Outbound sales ──

func TestOutboundSales(t *testing.T) {
	ctx := context.Background()
	snd := &fakeSender{}
	conv := whatsapp.NewConversationStore(cache.NewMemory(time.Minute), 0, nil)
	p := router(map[string]func(string) string{
		mOutbound: fixed(`{"outbound_sales_call": true, "product": "seguros", "target_name": "Ana"}`),
	})
	s := NewOutboundSales(newClassifier(p), memoryState(), snd, conv, "+5491100000000", "whatsapp:+14155238886")

	res, err := s.TryHandle(ctx, "s", "Contactá a Ana para venderle seguros")
	require.NoError(t, err)
	assert.Equal(t, StageExecuted, res.Stage)

	out := decodeAnswer(t, res.Message)
	assert.Equal(t, SalesStarted, out["answer"])
	assert.Equal(t, NameOutboundSales, out["intent"])
	assert.Equal(t, "EXECUTED", out["specific_flag"])
	assert.Equal(t, "SM1", out["sid"])

	require.Len(t, snd.sent, 1)
	assert.Equal(t, "whatsapp:+5491100000000", snd.sent[0].to)
	assert.Equal(t, "Hola Ana 👋\nTe contacto por *seguros*. ¿Querés que te comparta 3 beneficios y el precio estimado?", snd.sent[0].body)

	c, found, err := conv.Get(ctx, whatsapp.KindSales, "whatsapp:+5491100000000")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "seguros", c.Product)
	assert.Equal(t, "Ana", c.TargetName)
}

func TestOutboundSalesAsksForProduct(t *testing.T) {
	ctx := context.Background()
	snd := &fakeSender{}
	state := memoryState()
	p := router(map[string]func(string) string{
		mOutbound: func(last string) string {
			if strings.Contains(last, "seguros") {
				return `{"outbound_sales_call": false, "product": "seguros"}`
			}
			return `{"is_outbound": true}`
		},
	})
	s := NewOutboundSales(newClassifier(p), state, snd, nil, "+5491100000000", "whatsapp:+1415")
	d := NewDispatcher([]Detector{s}, state, nil)

	res, err := d.Dispatch(ctx, "s", "iniciá una venta por whatsapp")
	require.NoError(t, err)
	assert.Equal(t, StageReprompt, res.Stage)
	assert.Equal(t, "Para iniciar la venta necesito un dato: ¿Qué producto querés vender?", res.Message)

	res, err = d.Dispatch(ctx, "s", "seguros")
	require.NoError(t, err)
	assert.Equal(t, StageExecuted, res.Stage)
	require.Len(t, snd.sent, 1)
	assert.Contains(t, snd.sent[0].body, "Hola ¿cómo estás? 👋")
}

func TestOutboundSalesConfigErrors(t *testing.T) {
	ctx := context.Background()
	p := router(map[string]func(string) string{
		mOutbound: fixed(`{"outbound_sales_call": true, "product": "seguros"}`),
	})

	noTo := NewOutboundSales(newClassifier(p), memoryState(), &fakeSender{}, nil, "", "whatsapp:+1")
	res, err := noTo.TryHandle(ctx, "s", "vendé seguros")
	require.NoError(t, err)
	assert.Equal(t, StageError, res.Stage)
	assert.Equal(t, SalesMissingTo, decodeAnswer(t, res.Message)["answer"])

	noFrom := NewOutboundSales(newClassifier(p), memoryState(), &fakeSender{}, nil, "+54911", "")
	res, _ = noFrom.TryHandle(ctx, "s", "vendé seguros")
	assert.Equal(t, SalesMissingFrom, decodeAnswer(t, res.Message)["answer"])

	failing := NewOutboundSales(newClassifier(p), memoryState(), &fakeSender{err: errors.New("63016")}, nil, "+54911", "whatsapp:+1")
	res, _ = failing.TryHandle(ctx, "s", "vendé seguros")
	out := decodeAnswer(t, res.Message)
	assert.Equal(t, SalesSendFailed, out["answer"])
	assert.Equal(t, "ERROR", out["specific_flag"])

	noSender := NewOutboundSales(newClassifier(p), memoryState(), nil, nil, "+54911", "whatsapp:+1")
	res, _ = noSender.TryHandle(ctx, "s", "vendé seguros")
	assert.Equal(t, SalesSendFailed, decodeAnswer(t, res.Message)["answer"])
}

func TestJSONAnswerKeepsHTMLCharacters(t *testing.T) {
	s := jsonAnswer{Answer: "a < b & c", Intent: "x"}.String()
	assert.Equal(t, `{"answer":"a < b & c","intent":"x"}`, s)
}

// ── Portfolio rotation ──

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestPortfolioRotationMatches(t *testing.T) {
	p := &PortfolioRotation{}
	assert.True(t, p.Matches("Ejecutá la rotación del portfolio"))
	assert.True(t, p.Matches("PORTFOLIO ROTACION"))
	assert.False(t, p.Matches("mostrame el portfolio"))
	assert.False(t, p.Matches("portfolios en rotacion"))
}

func TestPortfolioRotation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	snd := &fakeSender{}
	conv := whatsapp.NewConversationStore(cache.NewMemory(time.Minute), 0, nil)
	dirc := contacts.NewDirectory([]contacts.Contact{{Name: "Juan Pérez", Phone: "11 1234 5678"}}, nil)
	p := router(map[string]func(string) string{
		mPhone: fixed("+5491112345678"),
		mHook:  fixed("Hola Juan, esta semana recomendamos comprar AAPL."),
	})

	det, err := Build([]string{NamePortfolioRotation}, DefaultCatalogue(), Deps{
		Provider:      p,
		Sender:        snd,
		Conversations: conv,
		Contacts:      dirc,
	}, Settings{
		RotationContacts: writeFile(t, dir, "names.txt", "Juan Pérez\nZzz\n"),
		RotationMessage:  writeFile(t, dir, "msg.txt", "Comprar AAPL\nVender MELI\n"),
	})
	require.NoError(t, err)
	require.Len(t, det, 1)

	res, err := det[0].TryHandle(ctx, "s", "hacé la rotación del portfolio")
	require.NoError(t, err)
	assert.Equal(t, StageExecuted, res.Stage)

	answer := decodeAnswer(t, res.Message)["answer"]
	parts := strings.Split(answer, " | ")
	require.Len(t, parts, 3)
	assert.Equal(t, "Contactando a Juan Pérez (11 1234 5678)", parts[0])
	assert.Contains(t, parts[1], "✅ Portfolio rotation sent to Juan Pérez (11 1234 5678)")
	assert.Equal(t, "❌ No se encontró WhatsApp para Zzz", parts[2])

	require.Len(t, snd.sent, 1)
	assert.Equal(t, "whatsapp:+5491112345678", snd.sent[0].to)
	assert.Equal(t, "Hola Juan, esta semana recomendamos comprar AAPL.", snd.sent[0].body)

	c, found, err := conv.Get(ctx, whatsapp.KindGeneric, "+5491112345678")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Juan Pérez", c.ContactName)
	assert.Equal(t, "Comprar AAPL Vender MELI", c.Recommendation)
	require.NotEmpty(t, c.InitialPrompt)
	assert.Contains(t, c.InitialPrompt[0], "Comprar AAPL Vender MELI")
}

func TestPortfolioRotationEmptyFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rot := &PortfolioRotation{
		provider:     llmtest.New("x"),
		prompts:      prompts.NewIntentLoader(""),
		finder:       contacts.NewDirectory(nil, nil),
		contactsFile: filepath.Join(dir, "missing.txt"),
		logger:       zap.NewNop(),
	}
	res, err := rot.TryHandle(ctx, "s", "portfolio rotacion")
	require.NoError(t, err)
	assert.Equal(t, "No contacts found in file.", decodeAnswer(t, res.Message)["answer"])

	rot.contactsFile = writeFile(t, dir, "names.txt", "Juan\n")
	res, _ = rot.TryHandle(ctx, "s", "portfolio rotacion")
	assert.Equal(t, "No portfolio recommendations file found.", decodeAnswer(t, res.Message)["answer"])
}

func TestPortfolioRotationSendFailure(t *testing.T) {
	dir := t.TempDir()
	rot := &PortfolioRotation{
		provider:     llmtest.New("mensaje"),
		prompts:      prompts.NewIntentLoader(""),
		finder:       contacts.NewDirectory([]contacts.Contact{{Name: "Ana", Phone: "+5491100000000"}}, nil),
		sender:       &fakeSender{err: errors.New("unauthorized")},
		contactsFile: writeFile(t, dir, "n.txt", "Ana"),
		messageFile:  writeFile(t, dir, "m.txt", "Mantener"),
		logger:       zap.NewNop(),
	}
	res, err := rot.TryHandle(context.Background(), "s", "portfolio rotacion")
	require.NoError(t, err)
	assert.Contains(t, decodeAnswer(t, res.Message)["answer"], "❌ Error sending portfolio rotation to Ana")
}

// ── Path detectors ──

func TestCompetitionFile(t *testing.T) {
	var d CompetitionFile
	tests := []struct {
		q    string
		want string
		ok   bool
	}{
		{"competencia de AAPL K10 2024 anual", "K10_competition_summary_report/2024/AAPL_2024_Y2024_competition.json", true},
		{"competition symbol MSFT Q10 2023 Q2", "Q10_competition_summary_report/2023/MSFT_2023_Q2_competition.json", true},
		{"competencia del meli 10K 2022", "K10_competition_summary_report/2022/MELI_2022_Y2022_competition.json", true},
		{"competencia de AAPL K10", "", false},
	}
	for _, tt := range tests {
		got, ok := d.DetectPath(tt.q)
		assert.Equal(t, tt.ok, ok, tt.q)
		assert.Equal(t, tt.want, got, tt.q)
	}
}

func TestSentimentRankingFile(t *testing.T) {
	var d SentimentRankingFile
	got, ok := d.DetectPath("ranking de sentimiento 10-K 2024")
	require.True(t, ok)
	assert.Equal(t, "K10_sentiment_summary_report_rank/2024/sentiment_summary_ranking_2024.csv", got)

	got, ok = d.DetectPath("ranking trimestral de sentimiento 2023")
	require.True(t, ok)
	assert.Equal(t, "Q10_sentiment_summary_report_rank/2023/sentiment_summary_ranking_2023.csv", got)

	_, ok = d.DetectPath("ranking de sentimiento 2024")
	assert.False(t, ok)
	_, ok = d.DetectPath("ranking anual")
	assert.False(t, ok)
}

// ── Dispatcher and catalogue ──

func TestDispatcherOrderAndFallthrough(t *testing.T) {
	ctx := context.Background()
	dl := &fakeDownloader{res: property.DownloadResult{Count: 1, File: "f.txt"}}
	p := router(map[string]func(string) string{
		mFileClassify: fixed(`{"cmd_exec": false}`),
		mDownload:     fixed(`{"property_download": true}`),
	})
	dets, err := Build([]string{"property_business"}, DefaultCatalogue(), Deps{
		Provider:   p,
		Downloader: dl,
		Executor:   &fakeExecutor{},
	}, Settings{})
	require.NoError(t, err)

	d := NewDispatcher(dets, nil, nil)
	assert.Equal(t, []string{NameCommandExecution, NamePropertyDownload}, d.Detectors())

	res, err := d.Dispatch(ctx, "s", "descargá todo zonaprop")
	require.NoError(t, err)
	assert.Equal(t, NamePropertyDownload, res.Intent)
	assert.Len(t, dl.calls, 1)
}

func TestDispatcherNotHandled(t *testing.T) {
	p := router(map[string]func(string) string{mTransferGate: fixed(`{"is_transfer": false}`)})
	state := memoryState()
	d := NewDispatcher([]Detector{NewMoneyTransfer(newClassifier(p), state)}, state, nil)

	res, err := d.Dispatch(context.Background(), "s", "¿qué hora es?")
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Equal(t, StageNone, res.Stage)
}

func TestDispatcherDropsStaleState(t *testing.T) {
	ctx := context.Background()
	state := memoryState()
	require.NoError(t, state.Save(ctx, "s", SlotState{Intent: "removed_intent"}))

	p := router(map[string]func(string) string{mTransferGate: fixed(`{"is_transfer": false}`)})
	d := NewDispatcher([]Detector{NewMoneyTransfer(newClassifier(p), state)}, state, nil)

	_, err := d.Dispatch(ctx, "s", "hola")
	require.NoError(t, err)
	_, ok, _ := state.Load(ctx, "s")
	assert.False(t, ok)
}

func TestCatalogueResolve(t *testing.T) {
	c := DefaultCatalogue()

	got, err := c.Resolve([]string{" send_transfer", "property_business", "download_property_portals", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{NameMoneyTransfer, NameCommandExecution, NamePropertyDownload}, got)

	_, err = c.Resolve([]string{"nope"})
	assert.ErrorIs(t, err, ErrUnknownIntent)
}

func TestParseCatalogue(t *testing.T) {
	c, err := ParseCatalogue([]byte(`
intents:
  - name: send_transfer
    description: demo
    stateful: true
groups:
  money: [send_transfer]
`))
	require.NoError(t, err)
	require.Len(t, c.Intents, 1)
	assert.True(t, c.Intents[0].Stateful)

	got, err := c.Resolve([]string{"money"})
	require.NoError(t, err)
	assert.Equal(t, []string{NameMoneyTransfer}, got)

	_, err = ParseCatalogue([]byte("intents: [oops"))
	assert.Error(t, err)
}

func TestLoadCatalogueMissingFileUsesDefault(t *testing.T) {
	c, err := LoadCatalogue(filepath.Join(t.TempDir(), "intents.yaml"))
	require.NoError(t, err)
	assert.Len(t, c.Intents, 5)
}

func TestBuildMissingDeps(t *testing.T) {
	_, err := Build([]string{NameMoneyTransfer}, DefaultCatalogue(), Deps{}, Settings{})
	assert.ErrorIs(t, err, ErrMissingDep)

	_, err = Build([]string{NamePropertyDownload}, DefaultCatalogue(), Deps{Provider: llmtest.New("{}")}, Settings{})
	assert.ErrorIs(t, err, ErrMissingDep)

	_, err = Build([]string{NamePortfolioRotation}, DefaultCatalogue(), Deps{Provider: llmtest.New("{}")}, Settings{})
	assert.ErrorIs(t, err, ErrMissingDep)
}
