package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/bot"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; restrict in production
	},
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Questions and bot prompts can
	// carry whole report excerpts.
	maxMessageSize = 64 << 10

	// Questions queued per chat connection while one is being answered.
	chatQueue = 8
)

// ============================================================
// Hub
// ============================================================

// WSMessage is a message sent over WebSocket connections.
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// WSHub tracks chat connections and fans out broadcasts.
type WSHub struct {
	mu        sync.RWMutex
	clients   map[*WSClient]bool
	broadcast chan WSMessage
}

// WSClient represents a single WebSocket connection.
type WSClient struct {
	hub  *WSHub
	send chan WSMessage
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:   make(map[*WSClient]bool),
		broadcast: make(chan WSMessage, 256),
	}
}

// Run delivers broadcasts until ctx is done. Clients whose queue is full
// are dropped.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every client. It never blocks; the message
// is dropped when the queue is full.
func (h *WSHub) Broadcast(msg WSMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

// Send queues msg for one client. It reports false when the client is gone
// or its queue is full.
func (h *WSHub) Send(client *WSClient, msg WSMessage) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return false
	}
	select {
	case client.send <- msg:
		return true
	default:
		return false
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register adds a client to the hub.
func (h *WSHub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
}

// Unregister removes a client and closes its queue.
func (h *WSHub) Unregister(client *WSClient) {
	h.mu.Lock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

// ============================================================
// /ws/chat
// ============================================================

// ChatSocketRequest is the data of a "chat" message.
type ChatSocketRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatSocketAnswer is the data of an "answer" message.
type ChatSocketAnswer struct {
	Question string      `json:"question"`
	Answer   string      `json:"answer"`
	Metrics  bot.Metrics `json:"metrics"`
}

// handleChatSocket keeps a chat session open. Each {"type":"chat"} message
// is acknowledged with a "thinking" status and answered with an "answer"
// message; answers of one connection are produced in order.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	client := &WSClient{
		hub:  s.wsHub,
		send: make(chan WSMessage, 256),
	}
	s.wsHub.Register(client)

	go s.wsWritePump(conn, client)
	go s.wsReadPump(conn, client, "ws-"+uuid.NewString())
}

// wsReadPump reads client messages and feeds questions to one answering
// worker.
func (s *Server) wsReadPump(conn *websocket.Conn, client *WSClient, defaultSession string) {
	ctx, cancel := context.WithCancel(context.Background())
	questions := make(chan ChatSocketRequest, chatQueue)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for q := range questions {
			s.answerOnSocket(ctx, client, q)
		}
	}()

	defer func() {
		cancel()
		close(questions)
		<-workerDone
		client.hub.Unregister(client)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			s.wsHub.Send(client, WSMessage{Type: "error", Data: "invalid message"})
			continue
		}

		switch msg.Type {
		case "ping":
			s.wsHub.Send(client, WSMessage{Type: "pong"})
		case "chat":
			var req ChatSocketRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || strings.TrimSpace(req.Question) == "" {
				s.wsHub.Send(client, WSMessage{Type: "error", Data: missingQuestion})
				continue
			}
			if req.SessionID == "" {
				req.SessionID = defaultSession
			}
			select {
			case questions <- req:
			default:
				s.wsHub.Send(client, WSMessage{Type: "error", Data: "too many pending questions"})
			}
		}
	}
}

func (s *Server) answerOnSocket(ctx context.Context, client *WSClient, req ChatSocketRequest) {
	start := time.Now()
	question := strings.TrimSpace(req.Question)
	s.wsHub.Send(client, WSMessage{Type: "status", Data: "thinking"})

	answer, err := s.engine.Handle(ctx, req.SessionID, question)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("chat_error", zap.String("channel", "websocket"), zap.Error(err))
		}
		s.wsHub.Send(client, WSMessage{Type: "error", Data: "Internal error"})
		return
	}
	m := bot.LastMetrics(s.engine)
	s.wsHub.Send(client, WSMessage{Type: "answer", Data: ChatSocketAnswer{Question: question, Answer: answer, Metrics: m}})
	s.logChatMetrics(newChatMetrics(m, question, time.Since(start)))
}

// wsWritePump pumps queued messages to the WebSocket connection.
func (s *Server) wsWritePump(conn *websocket.Conn, client *WSClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ============================================================
// /ws/bot
// ============================================================

// handleBotSocket answers a single prompt: the client sends one text frame
// and gets the answer back as one text frame. Each connection is a fresh
// session. This is the protocol analysis.RemoteBot speaks.
func (s *Server) handleBotSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	_, prompt, err := conn.ReadMessage()
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout())
	defer cancel()

	start := time.Now()
	reply, err := s.engine.Handle(ctx, "bot-"+uuid.NewString(), string(prompt))
	if err != nil {
		s.logger.Error("bot_socket_error", zap.Error(err))
		reply = "Error: " + err.Error()
	}
	s.logger.Info("bot_socket_answered",
		zap.Int("prompt_chars", len(prompt)),
		zap.Int("response_chars", len(reply)),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()))

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
		return
	}
	// Wait briefly for the client's close frame.
	_ = conn.SetReadDeadline(time.Now().Add(writeWait))
	_, _, _ = conn.ReadMessage()
}
