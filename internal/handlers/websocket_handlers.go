package handlers

import (
	"net/http"
	"net/url"
	"strings"

	ws "realtime-broker/internal/websocket"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type WebSocketHandlers struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewWebSocketHandlers builds the upgrade endpoint. allowedOrigins holds
// scheme://host values; "*" or an empty list accepts any origin.
func NewWebSocketHandlers(hub *ws.Hub, allowedOrigins []string, logger zerolog.Logger) *WebSocketHandlers {
	return &WebSocketHandlers{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.With().Str("component", "ws_handler").Logger(),
	}
}

func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade error")
		return
	}

	if _, err := h.hub.Accept(conn); err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Connection refused")
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients do not send Origin.
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
