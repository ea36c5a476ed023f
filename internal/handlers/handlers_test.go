package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"realtime-broker/internal/auth"
	"realtime-broker/internal/config"
	"realtime-broker/internal/models"
	ws "realtime-broker/internal/websocket"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIToken = "push-key"

func newTestServer(t *testing.T) (*ws.Hub, *httptest.Server) {
	t.Helper()

	hub := ws.NewHub(ws.Options{HeartbeatInterval: time.Minute}, ws.Deps{})
	require.NoError(t, hub.Start())

	log := zerolog.Nop()
	router := NewRouter(
		NewWebSocketHandlers(hub, []string{"*"}, log),
		NewBrokerHandlers(hub, log),
		RouterOptions{
			Authorize:    auth.NewAPIAuthorizer(config.AuthConfig{APIToken: testAPIToken}).Authorize,
			WriteTimeout: 5 * time.Second,
		},
	)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		srv.Close()
	})
	return hub, srv
}

func apiRequest(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthAndStats(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var stats models.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, models.Stats{}, stats)
}

func TestNotifyQueuesForOfflineUser(t *testing.T) {
	hub, srv := newTestServer(t)

	resp := apiRequest(t, http.MethodPost, srv.URL+"/users/u9/notify", testAPIToken, `{"kind":"grade","score":9}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, 1, hub.Stats().QueuedMessages)
}

func TestNotifyDeliversToOnlineUser(t *testing.T) {
	_, srv := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	readType := func(want models.MessageType) map[string]interface{} {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		for {
			_, data, err := conn.ReadMessage()
			require.NoError(t, err)
			var frame map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &frame))
			if frame["type"] == string(want) {
				return frame
			}
		}
	}

	readType(models.MessageTypeConnectionEstablished)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"auth","userId":"u1","userType":"student"}`)))
	readType(models.MessageTypeAuthSuccess)

	resp := apiRequest(t, http.MethodPost, srv.URL+"/users/u1/notify", testAPIToken, `{"kind":"ping"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	frame := readType(models.MessageTypeNotification)
	assert.Equal(t, map[string]interface{}{"kind": "ping"}, frame["payload"])
	assert.NotEmpty(t, frame["notificationId"])

	resp = apiRequest(t, http.MethodGet, srv.URL+"/users/u1/presence", testAPIToken, "")
	var presence map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&presence))
	assert.Equal(t, true, presence["online"])
}

func TestNotifyRejectsInvalidJSON(t *testing.T) {
	_, srv := newTestServer(t)

	resp := apiRequest(t, http.MethodPost, srv.URL+"/users/u1/notify", testAPIToken, `{nope`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPushAPIRequiresBearerToken(t *testing.T) {
	hub, srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
	}{
		{"notify without token", http.MethodPost, "/users/u9/notify", "", `{"kind":"grade"}`},
		{"notify with wrong token", http.MethodPost, "/users/u9/notify", "guess", `{"kind":"grade"}`},
		{"presence without token", http.MethodGet, "/users/u9/presence", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := apiRequest(t, tt.method, srv.URL+tt.path, tt.token, tt.body)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
		})
	}
	assert.Zero(t, hub.Stats().QueuedMessages)
}

func TestPushAPIRefusedWithoutAuthorizer(t *testing.T) {
	hub := ws.NewHub(ws.Options{HeartbeatInterval: time.Minute}, ws.Deps{})
	log := zerolog.Nop()
	srv := httptest.NewServer(NewRouter(
		NewWebSocketHandlers(hub, nil, log),
		NewBrokerHandlers(hub, log),
		RouterOptions{},
	))
	defer srv.Close()

	resp := apiRequest(t, http.MethodPost, srv.URL+"/users/u1/notify", testAPIToken, `{}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	_, srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/stats", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"wildcard", []string{"*"}, "https://evil.example", true},
		{"empty list", nil, "https://any.example", true},
		{"no origin header", []string{"https://app.example"}, "", true},
		{"listed", []string{"https://app.example/"}, "https://APP.example", true},
		{"unlisted", []string{"https://app.example"}, "https://evil.example", false},
		{"scheme matters", []string{"https://app.example"}, "http://app.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}
