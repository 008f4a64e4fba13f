package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/elevenyellow/pardon-simulator-sub002/internal/errors"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/service"
)

// IntermediaryHandler exposes the agent-to-agent relay scratchpad.
// Routes are guarded by the agent shared secret.
type IntermediaryHandler struct {
	intermediaryService *service.IntermediaryService
}

func NewIntermediaryHandler(intermediaryService *service.IntermediaryService) *IntermediaryHandler {
	return &IntermediaryHandler{intermediaryService: intermediaryService}
}

// Set handles PUT /v1/agents/{agentID}/threads/{threadID}/intermediary.
func (h *IntermediaryHandler) Set(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	threadID := chi.URLParam(r, "threadID")

	var params service.SetIntermediaryParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, apperrors.ValidationError("invalid request body"))
		return
	}

	state, err := h.intermediaryService.Set(r.Context(), agentID, threadID, params)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// Get handles GET /v1/agents/{agentID}/threads/{threadID}/intermediary.
func (h *IntermediaryHandler) Get(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	threadID := chi.URLParam(r, "threadID")

	state, err := h.intermediaryService.Get(r.Context(), agentID, threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if state == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "No intermediary state"})
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// Delete handles DELETE /v1/agents/{agentID}/threads/{threadID}/intermediary.
func (h *IntermediaryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	threadID := chi.URLParam(r, "threadID")

	deleted, err := h.intermediaryService.Delete(r.Context(), agentID, threadID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}
