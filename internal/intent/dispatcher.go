package intent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("zchatbot/intent")

// Dispatcher routes messages to the enabled detectors.
type Dispatcher struct {
	detectors []Detector
	byName    map[string]Detector
	state     *StateStore
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher that tries detectors in order.
func NewDispatcher(detectors []Detector, state *StateStore, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if state == nil {
		state = NewStateStore(nil, 0)
	}
	byName := make(map[string]Detector, len(detectors))
	for _, d := range detectors {
		byName[d.Name()] = d
	}
	return &Dispatcher{detectors: detectors, byName: byName, state: state, logger: logger}
}

// Detectors returns the enabled detector names in order.
func (d *Dispatcher) Detectors() []string {
	out := make([]string, len(d.detectors))
	for i, det := range d.detectors {
		out[i] = det.Name()
	}
	return out
}

// Dispatch handles one message. A pending intent of the session is resumed
// first; otherwise each detector gets a chance in order.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, text string) (Result, error) {
	ctx, span := tracer.Start(ctx, "intent.dispatch")
	defer span.End()

	res, err := d.dispatch(ctx, sessionID, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.Bool("intent.handled", res.Handled),
		attribute.String("intent.name", res.Intent),
		attribute.String("intent.stage", string(res.Stage)),
	)
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, sessionID, text string) (Result, error) {
	st, active, err := d.state.Load(ctx, sessionID)
	if err != nil {
		d.logger.Warn("intent_state_load_error", zap.Error(err))
	}
	if active {
		if det, ok := d.byName[st.Intent]; ok {
			res, err := det.Resume(ctx, sessionID, text)
			if err != nil {
				return res, err
			}
			if res.Handled {
				d.finish(ctx, sessionID, res)
				return res, nil
			}
		}
		if err := d.state.Clear(ctx, sessionID); err != nil {
			d.logger.Warn("intent_state_clear_error", zap.Error(err))
		}
	}

	for _, det := range d.detectors {
		res, err := det.TryHandle(ctx, sessionID, text)
		if err != nil {
			return res, err
		}
		if res.Handled {
			d.logger.Info("intent_detected",
				zap.String("intent", res.Intent),
				zap.String("stage", string(res.Stage)),
				zap.String("session", sessionID))
			d.finish(ctx, sessionID, res)
			return res, nil
		}
	}
	return NotHandled, nil
}

// finish drops the session state once the intent no longer waits for input.
func (d *Dispatcher) finish(ctx context.Context, sessionID string, res Result) {
	if res.Stage.Pending() {
		return
	}
	if err := d.state.Clear(ctx, sessionID); err != nil {
		d.logger.Warn("intent_state_clear_error", zap.Error(err))
	}
}
