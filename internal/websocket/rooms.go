package websocket

import "sync"

// RoomManager keeps room membership. The room index and each connection's
// own room set are only changed together, under mu.
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Connection
}

func NewRoomManager() *RoomManager {
	return &RoomManager{rooms: make(map[string]map[string]*Connection)}
}

// Join adds c to room, creating the room if needed. It reports whether
// membership changed; closed connections are never added.
func (m *RoomManager) Join(c *Connection, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.isClosed() {
		return false
	}

	members, ok := m.rooms[room]
	if !ok {
		members = make(map[string]*Connection)
		m.rooms[room] = members
	}
	if _, ok := members[c.ID]; ok {
		return false
	}
	members[c.ID] = c
	c.addRoom(room)
	return true
}

// Leave removes c from room and drops the room once it is empty.
func (m *RoomManager) Leave(c *Connection, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(c, room)
}

func (m *RoomManager) leaveLocked(c *Connection, room string) bool {
	members, ok := m.rooms[room]
	if !ok {
		c.removeRoom(room)
		return false
	}
	if _, ok := members[c.ID]; !ok {
		c.removeRoom(room)
		return false
	}
	delete(members, c.ID)
	c.removeRoom(room)
	if len(members) == 0 {
		delete(m.rooms, room)
	}
	return true
}

// LeaveAll removes c from every room and returns the rooms it left.
func (m *RoomManager) LeaveAll(c *Connection) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var left []string
	for _, room := range c.Rooms() {
		if m.leaveLocked(c, room) {
			left = append(left, room)
		}
	}
	return left
}

// Members returns the room's connections at the time of the call.
func (m *RoomManager) Members(room string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.rooms[room]
	out := make([]*Connection, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

func (m *RoomManager) Exists(room string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[room]
	return ok
}

func (m *RoomManager) Contains(room, connectionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[room][connectionID]
	return ok
}

// Broadcast sends msg to every member of room except excludeID and returns
// how many accepted it. Members that cannot take it are skipped.
func (m *RoomManager) Broadcast(room string, msg []byte, excludeID string) int {
	sent := 0
	for _, c := range m.Members(room) {
		if c.ID == excludeID {
			continue
		}
		if c.Send(msg) {
			sent++
		}
	}
	return sent
}

func (m *RoomManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *RoomManager) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, members := range m.rooms {
		for _, c := range members {
			c.mu.Lock()
			c.rooms = make(map[string]struct{})
			c.mu.Unlock()
		}
	}
	m.rooms = make(map[string]map[string]*Connection)
}
