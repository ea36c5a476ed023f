package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"realtime-broker/internal/auth"
	"realtime-broker/internal/database"
	"realtime-broker/internal/mailbox"
	"realtime-broker/internal/models"
	"realtime-broker/internal/observability"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var ErrHubClosed = errors.New("hub is shut down")

const collaboratorTimeout = 5 * time.Second

type Options struct {
	HeartbeatInterval time.Duration
	MaxMissedPongs    int
	SendBufferSize    int
	WriteWait         time.Duration
	MaxMessageSize    int64
	// MailboxSweep is a cron schedule for expiring mailbox entries and stale
	// presence; empty disables the sweep.
	MailboxSweep      string
	PresenceRetention time.Duration
	ReadHeaderTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.MaxMissedPongs < 1 {
		o.MaxMissedPongs = 1
	}
	if o.SendBufferSize < 1 {
		o.SendBufferSize = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.ReadHeaderTimeout <= 0 {
		o.ReadHeaderTimeout = 10 * time.Second
	}
	return o
}

// Deps are the hub's collaborators. Nil fields get in-process defaults; the
// default mailbox uses mailbox.DefaultPolicy.
type Deps struct {
	Mailbox  mailbox.Mailbox
	Verifier auth.Verifier
	Sessions database.SessionRepository
	Metrics  *observability.Metrics
	Logger   *zerolog.Logger
}

// Hub is the connection broker. It is safe for concurrent use; each index
// guards itself and no operation holds more than one index lock at a time.
// Per-user locks order a user's authentication, last disconnect and direct
// deliveries against each other.
type Hub struct {
	opts     Options
	registry *Registry
	rooms    *RoomManager
	presence *PresenceTracker
	mailbox  mailbox.Mailbox
	verifier auth.Verifier
	sessions database.SessionRepository
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	heartbeat  *HeartbeatMonitor
	sweeper    *cron.Cron
	sessionLog *sessionRecorder
	users      userLocks

	mu      sync.Mutex
	started bool
	stopped bool
	server  *http.Server

	wg sync.WaitGroup
}

func NewHub(opts Options, deps Deps) *Hub {
	opts = opts.withDefaults()

	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	if deps.Mailbox == nil {
		deps.Mailbox = mailbox.NewMemoryMailbox(mailbox.DefaultPolicy())
	}
	if deps.Verifier == nil {
		deps.Verifier = auth.TrustVerifier{}
	}
	if deps.Sessions == nil {
		deps.Sessions = database.NoopSessions{}
	}

	h := &Hub{
		opts:     opts,
		registry: NewRegistry(),
		rooms:    NewRoomManager(),
		mailbox:  deps.Mailbox,
		verifier: deps.Verifier,
		sessions: deps.Sessions,
		metrics:  deps.Metrics,
		logger:   logger.With().Str("component", "hub").Logger(),
		now:      time.Now,
	}
	h.sessionLog = newSessionRecorder(h.logger)
	h.presence = NewPresenceTracker(func() time.Time { return h.now() })
	h.heartbeat = NewHeartbeatMonitor(opts.HeartbeatInterval, opts.MaxMissedPongs, opts.WriteWait, h.registry, h.terminate, logger)
	h.heartbeat.now = func() time.Time { return h.now() }
	return h
}

// Start launches the heartbeat monitor and the mailbox sweep. It is called
// by Serve; calling it again is a no-op.
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return ErrHubClosed
	}
	if h.started {
		return nil
	}

	if h.opts.MailboxSweep != "" {
		c := cron.New()
		if _, err := c.AddFunc(h.opts.MailboxSweep, h.sweep); err != nil {
			return fmt.Errorf("invalid mailbox sweep schedule %q: %w", h.opts.MailboxSweep, err)
		}
		c.Start()
		h.sweeper = c
	}

	h.heartbeat.Start()
	h.started = true
	h.logger.Info().
		Dur("heartbeat_interval", h.opts.HeartbeatInterval).
		Int("max_missed_pongs", h.opts.MaxMissedPongs).
		Msg("Hub started")
	return nil
}

// Serve starts the hub and serves handler on an already-listening ln until
// Shutdown is called.
func (h *Hub) Serve(ln net.Listener, handler http.Handler) error {
	if err := h.Start(); err != nil {
		return err
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: h.opts.ReadHeaderTimeout,
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.server = server
	h.mu.Unlock()

	h.logger.Info().Str("addr", ln.Addr().String()).Msg("Broker listening")
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("broker server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, closes every live connection with a
// normal-closure frame, stops background work and clears all indices.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	server := h.server
	sweeper := h.sweeper
	started := h.started
	h.mu.Unlock()

	h.logger.Info().Msg("Shutting down hub...")

	var finalErr error
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			h.logger.Error().Err(err).Msg("HTTP server shutdown failed")
			finalErr = err
		}
	}

	if started {
		h.heartbeat.Stop()
	}
	if sweeper != nil {
		<-sweeper.Stop().Done()
	}

	for _, c := range h.registry.Snapshot() {
		h.disconnect(c, websocket.CloseNormalClosure, "server shutdown")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn().Msg("Timed out waiting for connections to close")
		if finalErr == nil {
			finalErr = ctx.Err()
		}
	}

	if err := h.sessionLog.close(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Session log not fully flushed")
		if finalErr == nil {
			finalErr = err
		}
	}

	h.registry.clear()
	h.rooms.clear()
	h.presence.clear()
	if err := h.mailbox.Close(); err != nil {
		h.logger.Error().Err(err).Msg("Failed to close mailbox")
	}

	h.logger.Info().Msg("Hub shut down")
	return finalErr
}

// Accept registers a new, unauthenticated connection over conn, greets it
// and starts its pumps. It returns the connection id.
func (h *Hub) Accept(conn Transport) (string, error) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		_ = conn.Close()
		return "", ErrHubClosed
	}
	// Registered under mu so Shutdown either sees it or refuses it.
	now := h.now()
	c := newConnection(uuid.NewString(), conn, h.opts.SendBufferSize, now)
	h.registry.Add(c)
	h.wg.Add(2)
	h.mu.Unlock()

	h.sendFrame(c, &models.ConnectionEstablished{
		Header:     models.Header{Type: models.MessageTypeConnectionEstablished},
		ClientID:   c.ID,
		ServerTime: models.Timestamp(now),
		Features:   models.Features,
	})

	remote := c.remoteAddr()
	h.record(func(ctx context.Context) error {
		return h.sessions.RecordConnect(ctx, c.ID, remote, now)
	})
	h.logger.Debug().Str("conn_id", c.ID).Str("remote", remote).Msg("Connection accepted")

	go h.writePump(c)
	go h.readPump(c)
	return c.ID, nil
}

// Connection looks up a live connection by id.
func (h *Hub) Connection(id string) (*Connection, bool) {
	return h.registry.Get(id)
}

// disconnect runs the full cleanup path once per connection: rooms, presence,
// registry. Later calls are no-ops.
func (h *Hub) disconnect(c *Connection, code int, reason string) {
	if !c.close(code, reason) {
		return
	}

	userID, _, authenticated := c.Identity()
	if !authenticated {
		h.rooms.LeaveAll(c)
	} else {
		unlock := h.users.lock(userID)
		left := h.rooms.LeaveAll(c)
		wentOffline := h.presence.Disconnect(userID, c.ID)
		unlock()

		if wentOffline {
			h.broadcastToRooms(left, &models.PresenceUpdate{
				Header:    models.Header{Type: models.MessageTypePresenceUpdate},
				UserID:    userID,
				Status:    models.StatusOffline,
				Timestamp: models.Timestamp(h.now()),
			}, c.ID)
		}
	}

	h.registry.Remove(c.ID)

	at := h.now()
	h.record(func(ctx context.Context) error {
		return h.sessions.RecordDisconnect(ctx, c.ID, reason, at)
	})

	h.logger.Debug().Str("conn_id", c.ID).Str("user_id", userID).Str("reason", reason).Msg("Connection closed")
}

// terminate is the heartbeat path: drop the transport, then clean up.
func (h *Hub) terminate(c *Connection) {
	h.metrics.HeartbeatTerminated()
	h.disconnect(c, 0, "heartbeat timeout")
	c.terminate()
}

func (h *Hub) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()

	expired, err := h.mailbox.Expire(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Mailbox sweep failed")
	}
	h.metrics.MailboxOp("expired", expired)

	pruned := 0
	if h.opts.PresenceRetention > 0 {
		pruned = h.presence.Prune(h.now().Add(-h.opts.PresenceRetention))
	}
	if expired > 0 || pruned > 0 {
		h.logger.Debug().Int("expired", expired).Int("pruned", pruned).Msg("Sweep complete")
	}
}

// record queues a session-log write behind every earlier one.
func (h *Hub) record(fn func(ctx context.Context) error) {
	h.sessionLog.record(fn)
}

func (h *Hub) marshal(frame models.Frame) ([]byte, bool) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(frame.FrameType())).Msg("Error marshaling frame")
		return nil, false
	}
	return data, true
}

func (h *Hub) sendFrame(c *Connection, frame models.Frame) bool {
	data, ok := h.marshal(frame)
	if !ok {
		return false
	}
	return h.sendRaw(c, data)
}

func (h *Hub) sendRaw(c *Connection, data []byte) bool {
	ok := c.Send(data)
	if ok {
		h.metrics.Sent(1)
	} else {
		h.metrics.Dropped(1)
		h.logger.Debug().Str("conn_id", c.ID).Msg("Dropped frame for unreachable connection")
	}
	return ok
}

// broadcastToRooms sends frame once to every connection that shares at least
// one of rooms, except excludeID.
func (h *Hub) broadcastToRooms(rooms []string, frame models.Frame, excludeID string) int {
	if len(rooms) == 0 {
		return 0
	}
	data, ok := h.marshal(frame)
	if !ok {
		return 0
	}

	seen := make(map[string]struct{})
	sent := 0
	for _, room := range rooms {
		for _, c := range h.rooms.Members(room) {
			if c.ID == excludeID {
				continue
			}
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			if h.sendRaw(c, data) {
				sent++
			}
		}
	}
	return sent
}

func (h *Hub) broadcastRoom(room string, data []byte, excludeID string) int {
	sent := h.rooms.Broadcast(room, data, excludeID)
	h.metrics.Sent(sent)
	return sent
}

// deliverToUser sends data to the user's personal room, or queues it in the
// mailbox when the user has no connection there. It holds the user's lock so
// it cannot interleave with that user's authentication or last disconnect.
func (h *Hub) deliverToUser(ctx context.Context, userID string, data []byte, excludeID string) (int, bool, error) {
	unlock := h.users.lock(userID)
	defer unlock()

	room := models.UserRoom(userID)
	if h.rooms.Exists(room) {
		return h.broadcastRoom(room, data, excludeID), false, nil
	}

	if err := h.mailbox.Enqueue(ctx, userID, data); err != nil {
		return 0, false, fmt.Errorf("failed to queue message for %s: %w", userID, err)
	}
	h.metrics.MailboxOp("enqueued", 1)
	return 0, true, nil
}

// SendToUser delivers frame to every connection of userID, queueing it for
// the next authentication when the user is offline.
func (h *Hub) SendToUser(ctx context.Context, userID string, frame models.Frame) (delivered int, queued bool, err error) {
	data, ok := h.marshal(frame)
	if !ok {
		return 0, false, fmt.Errorf("cannot encode %s frame", frame.FrameType())
	}
	return h.deliverToUser(ctx, userID, data, "")
}

// SendToRoom broadcasts frame to every member of room. Nobody is queued for.
func (h *Hub) SendToRoom(room string, frame models.Frame) (int, error) {
	data, ok := h.marshal(frame)
	if !ok {
		return 0, fmt.Errorf("cannot encode %s frame", frame.FrameType())
	}
	return h.broadcastRoom(room, data, ""), nil
}

// SendToRole broadcasts frame to every connection authenticated with role.
func (h *Hub) SendToRole(role string, frame models.Frame) (int, error) {
	return h.SendToRoom(models.RoleRoom(role), frame)
}

// Notify wraps payload in a notification frame and sends it to userID.
func (h *Hub) Notify(ctx context.Context, userID string, payload json.RawMessage) (delivered int, queued bool, err error) {
	return h.SendToUser(ctx, userID, &models.Notification{
		Header:         models.Header{Type: models.MessageTypeNotification},
		NotificationID: uuid.NewString(),
		Payload:        payload,
		Timestamp:      models.Timestamp(h.now()),
	})
}

func (h *Hub) IsUserOnline(userID string) bool {
	return h.presence.IsOnline(userID)
}

func (h *Hub) Presence(userID string) models.Presence {
	return h.presence.Get(userID)
}

// Stats reports the size of each index.
func (h *Hub) Stats() models.Stats {
	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()

	queued, err := h.mailbox.Len(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to count mailbox")
	}

	return models.Stats{
		Connections:        h.registry.Len(),
		AuthenticatedUsers: h.presence.OnlineCount(),
		Rooms:              h.rooms.Len(),
		QueuedMessages:     queued,
		PresenceEntries:    h.presence.Len(),
	}
}
