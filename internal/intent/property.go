package intent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/prompts"
	"github.com/seenimoa/zchatbot/internal/property"
)

// Downloader scrapes and exports listings.
type Downloader interface {
	Download(ctx context.Context, barrio, op string) (property.DownloadResult, error)
}

// FileExecutor runs a free-text action over an exported file.
type FileExecutor interface {
	Execute(ctx context.Context, filename, action, neighborhood string) string
}

// ── Property download ──

// PropertyDownload dumps every Zonaprop sale listing in CABA to a file.
// It needs no slots: detection executes immediately.
type PropertyDownload struct {
	cls        classifier
	downloader Downloader
}

// NewPropertyDownload creates the detector.
func NewPropertyDownload(cls classifier, d Downloader) *PropertyDownload {
	return &PropertyDownload{cls: cls, downloader: d}
}

func (p *PropertyDownload) Name() string { return NamePropertyDownload }

// TryHandle runs the download when the classifier says so.
func (p *PropertyDownload) TryHandle(ctx context.Context, _ string, text string) (Result, error) {
	if !p.cls.gate(ctx, prompts.PropertyDownloadDetect, text,
		"property_download", "download", "should_download", "is_download_intent") {
		return NotHandled, nil
	}

	p.cls.logger.Info("property_download_start", zap.String("operacion", "venta"), zap.String("barrio", "<ALL CABA>"))
	res, err := p.downloader.Download(ctx, "", "venta")
	if err != nil {
		p.cls.logger.Error("property_download_execute_error", zap.Error(err))
		return handled(p.Name(), StageError,
			"❌ An error occurred while executing the download. Please try again later."), nil
	}
	return handled(p.Name(), StageExecuted, fmt.Sprintf(
		"✅ Downloaded %d *venta* listings in *CABA (all barrios)*.\nFile: %s", res.Count, res.File)), nil
}

// Resume never applies: the intent does not wait for input.
func (p *PropertyDownload) Resume(context.Context, string, string) (Result, error) {
	return NotHandled, nil
}

// ── Command over an exported file ──

var fileCommandSlots = []Slot{
	{Key: "filename", Hint: "TXT file name (e.g., caba_venta_YYYYMMDD_HHMM.txt)"},
	{Key: "action", Hint: "your command in your own words (imperative phrase)"},
}

var neighborhoodSlot = Slot{Key: "neighborhood", Hint: "CABA neighborhood (e.g., Recoleta, Palermo)"}

const fileCommandFallback = "¿Qué archivo TXT y qué acción querés que ejecute?"

// CommandExecution runs a command over an exported TXT file. It keeps no
// state: every turn is classified from scratch.
type CommandExecution struct {
	cls      classifier
	executor FileExecutor
}

// NewCommandExecution creates the detector.
func NewCommandExecution(cls classifier, ex FileExecutor) *CommandExecution {
	return &CommandExecution{cls: cls, executor: ex}
}

func (c *CommandExecution) Name() string { return NameCommandExecution }

// TryHandle classifies, extracts filename/action/neighborhood and runs the
// executor, or asks for what is missing.
func (c *CommandExecution) TryHandle(ctx context.Context, _ string, text string) (Result, error) {
	if !c.cls.gate(ctx, prompts.FileCommandClassifier, text, "cmd_exec", "is_cmd", "command", "execute_command") {
		return NotHandled, nil
	}

	slots := c.cls.slots(ctx, prompts.FileCommandSlots, text, "filename", "action", "neighborhood")
	if missing := MissingFileCommandSlots(slots); len(missing) > 0 {
		msg := c.cls.reprompt(ctx, prompts.FileCommandReprompt, text, missing, fileCommandFallback)
		return handled(c.Name(), StageReprompt, msg), nil
	}

	msg := c.executor.Execute(ctx, slots["filename"], slots["action"], slots["neighborhood"])
	return handled(c.Name(), StageExecuted, msg), nil
}

// Resume reruns detection.
func (c *CommandExecution) Resume(ctx context.Context, sessionID, text string) (Result, error) {
	return c.TryHandle(ctx, sessionID, text)
}

// MissingFileCommandSlots lists the missing slots. The neighborhood is
// only required when the action asks for the most expensive listing "en"
// a place that was not extracted.
func MissingFileCommandSlots(slots map[string]string) []Slot {
	var out []Slot
	for _, s := range fileCommandSlots {
		if slots[s.Key] == "" {
			out = append(out, s)
		}
	}
	action := strings.ToLower(slots["action"])
	if strings.Contains(action, "más cara en ") && slots["neighborhood"] == "" {
		out = append(out, neighborhoodSlot)
	}
	return out
}
