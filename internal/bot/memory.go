package bot

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/seenimoa/zchatbot/internal/llm"
)

const maxSummaryChars = 2000

// Memory keeps the last Size messages of a conversation. Older messages are
// folded into a running plain-text summary.
type Memory struct {
	mu      sync.Mutex
	size    int
	turns   []llm.Message
	summary string
}

// NewMemory creates a memory holding up to size messages.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 20
	}
	return &Memory{size: size}
}

// Add records one question/answer exchange.
func (m *Memory) Add(question, answer string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turns = append(m.turns, llm.UserMessage(question), llm.AssistantMessage(answer))
	if over := len(m.turns) - m.size; over > 0 {
		m.fold(m.turns[:over])
		m.turns = append([]llm.Message(nil), m.turns[over:]...)
	}
}

func (m *Memory) fold(evicted []llm.Message) {
	var sb strings.Builder
	sb.WriteString(m.summary)
	for _, msg := range evicted {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(roleLabel(msg.Role))
		sb.WriteString(": ")
		sb.WriteString(truncate(strings.TrimSpace(msg.Content), 200))
	}
	m.summary = summaryTail(sb.String(), maxSummaryChars)
}

// summaryTail keeps at most n bytes from the end of s, starting at the
// first whole line when there is one and never inside a UTF-8 sequence.
func summaryTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	s = s[i:]
	if j := strings.IndexByte(s, '\n'); j >= 0 {
		s = s[j+1:]
	}
	return s
}

// Messages returns the summary (as a system message, when present)
// followed by the retained turns.
func (m *Memory) Messages() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]llm.Message, 0, len(m.turns)+1)
	if m.summary != "" {
		out = append(out, llm.SystemMessage("Summary of the earlier conversation:\n"+m.summary))
	}
	return append(out, m.turns...)
}

// Summary returns the folded summary of evicted messages.
func (m *Memory) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}

// Len returns the number of retained messages.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

// Transcript renders the memory as "User: ...\nAssistant: ..." lines.
func (m *Memory) Transcript() string {
	msgs := m.Messages()
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		lines = append(lines, roleLabel(msg.Role)+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

// Reset clears the memory.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.turns, m.summary = nil, ""
	m.mu.Unlock()
}

func roleLabel(r llm.Role) string {
	switch r {
	case llm.RoleUser:
		return "User"
	case llm.RoleAssistant:
		return "Assistant"
	default:
		return "System"
	}
}

// Sessions maps session ids to memories.
type Sessions struct {
	mu   sync.Mutex
	size int
	byID map[string]*Memory
}

// NewSessions creates a session store whose memories hold size messages.
func NewSessions(size int) *Sessions {
	return &Sessions{size: size, byID: make(map[string]*Memory)}
}

// Get returns the memory for id, creating it on first use.
func (s *Sessions) Get(id string) *Memory {
	id = sessionOrDefault(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		m = NewMemory(s.size)
		s.byID[id] = m
	}
	return m
}

// Drop forgets a session.
func (s *Sessions) Drop(id string) {
	s.mu.Lock()
	delete(s.byID, sessionOrDefault(id))
	s.mu.Unlock()
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
