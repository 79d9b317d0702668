package intent

import (
	"context"
	"errors"
	"time"

	"github.com/seenimoa/zchatbot/internal/cache"
)

// DefaultStateTTL bounds how long an unanswered reprompt stays active.
const DefaultStateTTL = 30 * time.Minute

// SlotState is the pending intent of one session.
type SlotState struct {
	Intent       string            `json:"intent"`
	Slots        map[string]string `json:"slots"`
	Missing      []string          `json:"missing"`
	LastReprompt string            `json:"last_reprompt,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// StateStore keeps SlotState per session in a cache.
type StateStore struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewStateStore creates a store. A disabled or nil cache is replaced by an
// in-memory one.
func NewStateStore(c cache.Cache, ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateStore{cache: cache.ForState(c, ttl), ttl: ttl}
}

func stateKey(sessionID string) string { return "intent:" + sessionID }

// Load returns the pending state of a session.
func (s *StateStore) Load(ctx context.Context, sessionID string) (SlotState, bool, error) {
	var st SlotState
	err := cache.GetJSON(ctx, s.cache, stateKey(sessionID), &st)
	if errors.Is(err, cache.ErrMiss) {
		return SlotState{}, false, nil
	}
	if err != nil {
		return SlotState{}, false, err
	}
	return st, st.Intent != "", nil
}

// Save stores st for the session.
func (s *StateStore) Save(ctx context.Context, sessionID string, st SlotState) error {
	st.UpdatedAt = time.Now().UTC()
	return cache.SetJSON(ctx, s.cache, stateKey(sessionID), st, s.ttl)
}

// Clear drops the session state.
func (s *StateStore) Clear(ctx context.Context, sessionID string) error {
	return s.cache.Delete(ctx, stateKey(sessionID))
}
