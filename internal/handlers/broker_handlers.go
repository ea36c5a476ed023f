package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	ws "realtime-broker/internal/websocket"

	"github.com/rs/zerolog"
)

const maxNotifyBody = 64 * 1024

// BrokerHandlers expose the hub's operational surface and push API over HTTP.
type BrokerHandlers struct {
	hub    *ws.Hub
	logger zerolog.Logger
}

func NewBrokerHandlers(hub *ws.Hub, logger zerolog.Logger) *BrokerHandlers {
	return &BrokerHandlers{
		hub:    hub,
		logger: logger.With().Str("component", "broker_handler").Logger(),
	}
}

func (h *BrokerHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Stats())
}

func (h *BrokerHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *BrokerHandlers) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if userID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId":   userID,
		"online":   h.hub.IsUserOnline(userID),
		"presence": h.hub.Presence(userID),
	})
}

// Notify pushes the request body to a user as a notification frame. The
// body must be JSON; it is forwarded untouched.
func (h *BrokerHandlers) Notify(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if userID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotifyBody+1))
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if len(body) > maxNotifyBody {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "payload must be JSON", http.StatusBadRequest)
		return
	}

	delivered, queued, err := h.hub.Notify(r.Context(), userID, json.RawMessage(body))
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Notify error")
		http.Error(w, "failed to deliver notification", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]interface{}{
		"delivered": delivered,
		"queued":    queued,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
