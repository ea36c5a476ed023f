package websocket

import (
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the part of *websocket.Conn a Connection uses.
type Transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

// Connection is one live transport session. It starts unauthenticated and
// becomes authenticated at most once.
type Connection struct {
	ID          string
	conn        Transport
	send        chan []byte
	done        chan struct{}
	connectedAt time.Time

	mu        sync.RWMutex
	userID    string
	userType  string
	rooms     map[string]struct{}
	closed    bool
	closeCode int
	closeText string

	alive    atomic.Bool
	missed   atomic.Int32
	lastSeen atomic.Int64
}

func newConnection(id string, conn Transport, bufferSize int, now time.Time) *Connection {
	c := &Connection{
		ID:          id,
		conn:        conn,
		send:        make(chan []byte, bufferSize),
		done:        make(chan struct{}),
		connectedAt: now,
		rooms:       make(map[string]struct{}),
	}
	c.alive.Store(true)
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Identity returns the authenticated user, if any.
func (c *Connection) Identity() (userID, userType string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.userType, c.userID != ""
}

func (c *Connection) Authenticated() bool {
	_, _, ok := c.Identity()
	return ok
}

// authenticate binds the identity. It fails if the connection is already
// authenticated or closed.
func (c *Connection) authenticate(userID, userType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.userID != "" {
		return false
	}
	c.userID = userID
	c.userType = userType
	return true
}

// Rooms returns the connection's rooms in name order.
func (c *Connection) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

func (c *Connection) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// addRoom and removeRoom are only called by RoomManager while it holds its lock.
func (c *Connection) addRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) removeRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) IsAlive() bool { return c.alive.Load() }

// markAlive records a sign of life from the peer.
func (c *Connection) markAlive(now time.Time) {
	c.alive.Store(true)
	c.missed.Store(0)
	c.lastSeen.Store(now.UnixNano())
}

func (c *Connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// close marks the connection closed and wakes the write pump, which sends a
// close frame with code. Only the first call returns true.
func (c *Connection) close(code int, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.done)
	return true
}

// Send buffers msg for the write pump. It never blocks; false means the
// connection is closed or its buffer is full.
func (c *Connection) Send(msg []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Connection) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// ping sends a liveness probe. WriteControl is safe alongside the write pump.
func (c *Connection) ping(deadline time.Time) error {
	if c.conn == nil {
		return errors.New("no transport")
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// terminate drops the transport without a close handshake.
func (c *Connection) terminate() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (h *Hub) readPump(c *Connection) {
	reason := "closed by client"
	defer func() {
		h.disconnect(c, websocket.CloseNormalClosure, reason)
		h.wg.Done()
	}()

	if h.opts.MaxMessageSize > 0 {
		c.conn.SetReadLimit(h.opts.MaxMessageSize)
	}
	c.conn.SetPongHandler(func(string) error {
		c.markAlive(h.now())
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("WebSocket read error")
				reason = "read error"
			}
			return
		}

		c.markAlive(h.now())
		h.route(c, message)
	}
}

func (h *Hub) writePump(c *Connection) {
	defer func() {
		c.terminate()
		h.wg.Done()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(h.now().Add(h.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("Write error")
				return
			}

		case <-c.done:
			c.flush(h.now().Add(h.opts.WriteWait))
			c.mu.RLock()
			code, text := c.closeCode, c.closeText
			c.mu.RUnlock()
			if code != 0 {
				_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), h.now().Add(h.opts.WriteWait))
			}
			return
		}
	}
}

// flush writes whatever is still buffered, stopping at the first error.
func (c *Connection) flush(deadline time.Time) {
	_ = c.conn.SetWriteDeadline(deadline)
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
