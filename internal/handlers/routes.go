package handlers

import (
	"net/http"
	"strings"
	"time"
)

// RouterOptions configures NewRouter. Metrics may be nil. A nil Authorize
// refuses every request to the push API.
type RouterOptions struct {
	Metrics      http.Handler
	Authorize    func(token string) error
	WriteTimeout time.Duration
}

// NewRouter mounts the broker endpoints. WriteTimeout bounds the plain HTTP
// endpoints; upgraded connections are never cut off by it.
func NewRouter(wsHandlers *WebSocketHandlers, brokerHandlers *BrokerHandlers, opts RouterOptions) http.Handler {
	mux := http.NewServeMux()

	bounded := func(h http.HandlerFunc) http.Handler {
		if opts.WriteTimeout <= 0 {
			return h
		}
		return http.TimeoutHandler(h, opts.WriteTimeout, "request timed out")
	}

	mux.HandleFunc("GET /ws", wsHandlers.HandleWebSocket)
	mux.Handle("GET /stats", bounded(brokerHandlers.Stats))
	mux.Handle("GET /healthz", bounded(brokerHandlers.Health))
	mux.Handle("GET /users/{userID}/presence", requireBearer(opts.Authorize, bounded(brokerHandlers.GetPresence)))
	mux.Handle("POST /users/{userID}/notify", requireBearer(opts.Authorize, bounded(brokerHandlers.Notify)))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	return corsMiddleware(mux)
}

func requireBearer(authorize func(string) error, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || authorize == nil || authorize(strings.TrimSpace(token)) != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="broker"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
