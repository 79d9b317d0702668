// Package intent routes free-text messages to structured handlers.
//
// A Detector decides with LLM classification prompts whether a message
// starts one of its intents, collects the required slots over one or more
// turns and executes the action. The Dispatcher keeps the active intent
// per session and resumes it on the next message.
package intent

import (
	"context"
	"errors"
)

// Stage reports how far an intent got on the current turn.
type Stage string

const (
	StageNone       Stage = "NONE"
	StageAskMissing Stage = "ASK_MISSING"
	StageReprompt   Stage = "REPROMPT"
	StageCompleted  Stage = "COMPLETED"
	StageExecuted   Stage = "EXECUTED"
	StageError      Stage = "ERROR"
)

// Pending reports whether the intent waits for more user input.
func (s Stage) Pending() bool { return s == StageAskMissing || s == StageReprompt }

// Intent names as configured in intent.logic.
const (
	NamePropertyDownload  = "download_property_portals"
	NameCommandExecution  = "command_execution_on_file"
	NameMoneyTransfer     = "send_transfer"
	NameOutboundSales     = "outbound_sales_call"
	NamePortfolioRotation = "portfolio_rotation"
)

var (
	ErrUnknownIntent = errors.New("intent: unknown intent")
	ErrMissingDep    = errors.New("intent: missing dependency")
)

// Result is the outcome of one turn.
type Result struct {
	Handled bool   `json:"handled"`
	Message string `json:"message"`
	Intent  string `json:"intent,omitempty"`
	Stage   Stage  `json:"stage,omitempty"`
	// Flag carries the specific_flag of JSON answers (EXECUTED or ERROR).
	Flag string `json:"flag,omitempty"`
}

// NotHandled is the zero result.
var NotHandled = Result{Stage: StageNone}

func handled(name string, stage Stage, msg string) Result {
	return Result{Handled: true, Message: msg, Intent: name, Stage: stage, Flag: string(stage)}
}

// Detector detects, fills and executes one intent.
type Detector interface {
	Name() string
	// TryHandle inspects a fresh message.
	TryHandle(ctx context.Context, sessionID, text string) (Result, error)
	// Resume continues an intent left pending on an earlier turn.
	Resume(ctx context.Context, sessionID, text string) (Result, error)
}

// PathDetector maps a question to a file path relative to a profile
// folder without calling a model.
type PathDetector interface {
	Name() string
	DetectPath(question string) (string, bool)
}
