package handler

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/guard"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/middleware"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/service"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/sse"
)

type EventsHandler struct {
	broker      *sse.Broker
	chatService *service.ChatService
	guard       *guard.Guard
}

func NewEventsHandler(broker *sse.Broker, chatService *service.ChatService, connGuard *guard.Guard) *EventsHandler {
	return &EventsHandler{
		broker:      broker,
		chatService: chatService,
		guard:       connGuard,
	}
}

// ServeHTTP handles GET /v1/threads/{threadID}/events.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	thread, session, err := h.chatService.Thread(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return
	}

	decision := h.guard.Check(session.ID, thread.ID, clientKey(r))
	if !decision.Allowed {
		retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":  "Too many connections",
			"reason": decision.Reason,
		})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	connID := h.guard.Register(session.ID, thread.ID)
	defer h.guard.Unregister(connID)

	client := h.broker.Subscribe(thread.ID)
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("threadId", thread.ID).
		Str("connId", connID).
		Msg("sse connection established")

	h.sendEvent(w, flusher, "connected", map[string]any{
		"threadId":  thread.ID,
		"sessionId": session.ID,
	})

	ctx := r.Context()

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("threadId", thread.ID).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("threadId", thread.ID).
				Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}
			h.guard.Touch(connID)

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("threadId", thread.ID).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// clientKey identifies the connecting client for attempt tracking. The
// wallet header is preferred; the bare IP is the fallback so limits
// survive a missing header.
func clientKey(r *http.Request) string {
	if wallet := r.Header.Get(middleware.WalletHeader); wallet != "" {
		return wallet
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
