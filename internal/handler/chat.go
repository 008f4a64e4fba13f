package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/elevenyellow/pardon-simulator-sub002/internal/errors"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/service"
)

type ChatHandler struct {
	chatService *service.ChatService
}

func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// SendMessage handles POST /v1/agents/{agentID}/messages.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var params service.SendMessageParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, apperrors.ValidationError("invalid request body"))
		return
	}
	params.AgentID = agentID

	result, err := h.chatService.SendMessage(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// History handles GET /v1/threads/{threadID}/messages.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	page := ParsePagination(r)

	messages, total, err := h.chatService.History(r.Context(), threadID, page.Limit, page.Offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"total":    total,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

// AwardScore handles POST /internal/scores.
func (h *ChatHandler) AwardScore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WalletAddress string `json:"walletAddress"`
		Delta         int64  `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.ValidationError("invalid request body"))
		return
	}

	if err := h.chatService.AwardScore(r.Context(), body.WalletAddress, body.Delta); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
