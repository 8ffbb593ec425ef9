package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jwebster45206/adventure95/internal/services/events"
)

const keepaliveInterval = 30 * time.Second

// EventsHandler streams a game's events as Server-Sent Events.
type EventsHandler struct {
	broadcaster *events.Broadcaster
	games       *GamesHandler
	logger      *slog.Logger
}

func NewEventsHandler(broadcaster *events.Broadcaster, games *GamesHandler, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		broadcaster: broadcaster,
		games:       games,
		logger:      logger,
	}
}

// ServeHTTP handles GET /games/{id}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gameID, ok := h.games.gameID(w, r)
	if !ok {
		return
	}
	if _, err := h.games.svc.GetGame(r.Context(), gameID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if h.broadcaster == nil {
		writeError(w, h.logger, http.StatusServiceUnavailable, "event stream is not configured")
		return
	}

	h.logger.Info("SSE connection established",
		"game_id", gameID.String(),
		"remote_addr", r.RemoteAddr)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	pubsub := h.broadcaster.Subscribe(r.Context(), gameID)
	defer func() {
		if err := pubsub.Close(); err != nil {
			h.logger.Error("Failed to close pubsub", "error", err)
		}
	}()
	msgChan := pubsub.Channel()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	h.sendSSE(w, "connected", map[string]any{
		"game_id": gameID.String(),
		"message": "Connected to event stream",
	})

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("SSE client disconnected", "game_id", gameID.String())
			return

		case msg, ok := <-msgChan:
			if !ok {
				return
			}
			var event events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				h.logger.Error("Failed to unmarshal event", "error", err, "payload", msg.Payload)
				continue
			}
			h.sendSSE(w, string(event.Type), event.Data)

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				h.logger.Error("Failed to write keepalive", "error", err)
				return
			}
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}
	}
}

func (h *EventsHandler) sendSSE(w http.ResponseWriter, eventType string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("Failed to marshal SSE data", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, dataJSON); err != nil {
		h.logger.Error("Failed to write event", "error", err)
		return
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
