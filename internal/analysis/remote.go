package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/bot"
)

// ErrNoBot is returned when neither a remote URL nor a local engine is
// configured for an analysis.
var ErrNoBot = errors.New("analysis: no bot configured")

// Asker answers one prompt.
type Asker interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// RemoteBot talks to a bot over a websocket: it sends the prompt as one
// text frame and returns the first frame it gets back.
type RemoteBot struct {
	URL     string
	Timeout time.Duration
	Dialer  *websocket.Dialer
	Logger  *zap.Logger
}

// Ask opens a connection, sends prompt and waits for one reply.
func (b *RemoteBot) Ask(ctx context.Context, prompt string) (string, error) {
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := b.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	logger.Info("remote_bot_invoke", zap.String("url", b.URL), zap.Int("prompt_chars", len(prompt)))
	conn, _, err := dialer.DialContext(ctx, b.URL, nil)
	if err != nil {
		return "", fmt.Errorf("analysis: dial %s: %w", b.URL, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	// The read is only unblocked by ctx.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(prompt)); err != nil {
		return "", fmt.Errorf("analysis: send: %w", err)
	}
	_, reply, err := conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("analysis: receive: %w", ctxErr)
		}
		return "", fmt.Errorf("analysis: receive: %w", err)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return string(reply), nil
}

// EngineAsker answers with a local bot engine.
type EngineAsker struct {
	Engine    bot.Engine
	SessionID string
}

// Ask forwards prompt to the engine.
func (a EngineAsker) Ask(ctx context.Context, prompt string) (string, error) {
	if a.Engine == nil {
		return "", ErrNoBot
	}
	sid := a.SessionID
	if sid == "" {
		sid = "analysis"
	}
	return a.Engine.Handle(ctx, sid, prompt)
}
