package httpapi

import (
	"net/http"
	"time"
)

// modelEntry is one entry of the OpenAI-compatible /v1/models response.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleModels lists the single model this host's default agent is
// configured to use. Multi-model fleets would enumerate the agent
// registry's per-agent model overrides; this build runs one agent.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data": []modelEntry{{
			ID:      s.Model,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: "ax",
		}},
	})
}
