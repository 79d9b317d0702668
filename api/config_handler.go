package api

import (
	"net/http"

	"github.com/seenimoa/zchatbot/internal/config"
)

// ConfigResponse is the JSON envelope returned by GET /api/v1/config.
type ConfigResponse struct {
	Config  *config.Config `json:"config"`
	Intents []string       `json:"intents"`
}

// handleGetConfig returns the running configuration. Secrets carry
// json:"-" tags and never leave the process.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		writeError(w, http.StatusServiceUnavailable, "no configuration loaded")
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    ConfigResponse{Config: s.cfg, Intents: s.cfg.IntentNames()},
	})
}

// handleGetConfigKeys returns the masked status of every credential.
func (s *Server) handleGetConfigKeys(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg
	if cfg == nil {
		cfg = &config.Config{}
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    config.CheckAPIKeys(cfg),
	})
}
