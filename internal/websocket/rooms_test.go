package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertSymmetric checks that the room index and every connection's own
// room set agree.
func assertSymmetric(t *testing.T, m *RoomManager, conns ...*Connection) {
	t.Helper()

	m.mu.RLock()
	defer m.mu.RUnlock()

	for room, members := range m.rooms {
		assert.NotEmpty(t, members, "room %s should have been removed", room)
		for _, c := range members {
			assert.True(t, c.InRoom(room), "%s missing %s in its own set", c.ID, room)
		}
	}
	for _, c := range conns {
		for _, room := range c.Rooms() {
			_, ok := m.rooms[room][c.ID]
			assert.True(t, ok, "%s claims %s but the index disagrees", c.ID, room)
		}
	}
}

func TestRoomJoinLeave(t *testing.T) {
	m := NewRoomManager()
	a, b := testConn("a"), testConn("b")

	assert.True(t, m.Join(a, "convo_42"))
	assert.False(t, m.Join(a, "convo_42"), "join is idempotent")
	assert.True(t, m.Join(b, "convo_42"))
	assertSymmetric(t, m, a, b)

	assert.Len(t, m.Members("convo_42"), 2)
	assert.True(t, m.Contains("convo_42", "a"))

	assert.True(t, m.Leave(a, "convo_42"))
	assert.False(t, m.Leave(a, "convo_42"), "leave is idempotent")
	assert.False(t, m.Leave(a, "nowhere"))
	assertSymmetric(t, m, a, b)
	assert.True(t, m.Exists("convo_42"))

	m.Leave(b, "convo_42")
	assert.False(t, m.Exists("convo_42"), "empty rooms are dropped")
	assert.Zero(t, m.Len())
	assert.Empty(t, m.Members("convo_42"))
}

func TestRoomLeaveAll(t *testing.T) {
	m := NewRoomManager()
	a, b := testConn("a"), testConn("b")

	m.Join(a, "r1")
	m.Join(a, "r2")
	m.Join(b, "r2")

	left := m.LeaveAll(a)
	assert.ElementsMatch(t, []string{"r1", "r2"}, left)
	assert.Empty(t, a.Rooms())
	assert.False(t, m.Exists("r1"))
	assert.True(t, m.Exists("r2"))
	assertSymmetric(t, m, a, b)

	assert.Empty(t, m.LeaveAll(a))
}

func TestRoomJoinRefusesClosedConnection(t *testing.T) {
	m := NewRoomManager()
	c := testConn("c")
	c.close(1000, "")

	assert.False(t, m.Join(c, "r"))
	assert.False(t, m.Exists("r"))
	assert.Empty(t, c.Rooms())
}

func TestRoomBroadcast(t *testing.T) {
	m := NewRoomManager()
	a, b, full := testConn("a"), testConn("b"), newConnection("full", newFakeTransport(), 1, time.Now())
	require.True(t, full.Send([]byte("filler")))

	m.Join(a, "r")
	m.Join(b, "r")
	m.Join(full, "r")

	sent := m.Broadcast("r", []byte("hello"), "a")
	assert.Equal(t, 1, sent, "sender excluded and full buffer skipped")
	assert.Equal(t, "hello", string(<-b.send))
	assert.Len(t, a.send, 0)

	assert.Zero(t, m.Broadcast("missing", []byte("x"), ""))
}

func TestRoomClear(t *testing.T) {
	m := NewRoomManager()
	a := testConn("a")
	m.Join(a, "r1")
	m.Join(a, "r2")

	m.clear()
	assert.Zero(t, m.Len())
	assert.Empty(t, a.Rooms())
}
