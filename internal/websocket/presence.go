package websocket

import (
	"sort"
	"sync"
	"time"

	"realtime-broker/internal/models"
)

type presenceEntry struct {
	status        string
	customMessage string
	lastSeen      time.Time
	activeConnID  string
	conns         map[string]struct{}
}

func (e *presenceEntry) snapshot() models.Presence {
	return models.Presence{
		Status:             e.status,
		CustomMessage:      e.customMessage,
		LastSeen:           e.lastSeen,
		ActiveConnectionID: e.activeConnID,
	}
}

// PresenceTracker holds one entry per user. A user is online while at least
// one of their authenticated connections is registered here.
type PresenceTracker struct {
	mu      sync.RWMutex
	entries map[string]*presenceEntry
	now     func() time.Time
}

func NewPresenceTracker(now func() time.Time) *PresenceTracker {
	if now == nil {
		now = time.Now
	}
	return &PresenceTracker{
		entries: make(map[string]*presenceEntry),
		now:     now,
	}
}

func (p *PresenceTracker) entry(userID string) *presenceEntry {
	e, ok := p.entries[userID]
	if !ok {
		e = &presenceEntry{status: models.StatusOffline, conns: make(map[string]struct{})}
		p.entries[userID] = e
	}
	return e
}

// Connect registers an authenticated connection for userID and reports
// whether the user just came online.
func (p *PresenceTracker) Connect(userID, connectionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entry(userID)
	first := len(e.conns) == 0
	e.conns[connectionID] = struct{}{}
	e.activeConnID = connectionID
	e.lastSeen = p.now()
	if first {
		e.status = models.StatusOnline
		e.customMessage = ""
	}
	return first
}

// Disconnect unregisters a connection and reports whether it was the user's
// last one. Unknown users or connections are ignored.
func (p *PresenceTracker) Disconnect(userID, connectionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[userID]
	if !ok {
		return false
	}
	if _, ok := e.conns[connectionID]; !ok {
		return false
	}

	delete(e.conns, connectionID)
	e.lastSeen = p.now()
	if len(e.conns) == 0 {
		e.status = models.StatusOffline
		e.customMessage = ""
		e.activeConnID = ""
		return true
	}
	if e.activeConnID == connectionID {
		e.activeConnID = ""
		for id := range e.conns {
			e.activeConnID = id
			break
		}
	}
	return false
}

// Update overwrites the user's status, creating the entry if needed.
func (p *PresenceTracker) Update(userID, status, customMessage string) models.Presence {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entry(userID)
	e.status = status
	e.customMessage = customMessage
	e.lastSeen = p.now()
	return e.snapshot()
}

// Get returns the user's presence, or offline for unknown users.
func (p *PresenceTracker) Get(userID string) models.Presence {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[userID]
	if !ok {
		return models.Presence{Status: models.StatusOffline}
	}
	return e.snapshot()
}

func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[userID]
	return ok && len(e.conns) > 0
}

// OnlineUsersIn resolves members to their users, one entry per user.
// Unauthenticated members are skipped.
func (p *PresenceTracker) OnlineUsersIn(members []*Connection) []*models.OnlineUser {
	byUser := make(map[string]*models.OnlineUser)
	for _, c := range members {
		userID, userType, ok := c.Identity()
		if !ok {
			continue
		}
		if u, seen := byUser[userID]; seen {
			if c.ConnectedAt().Before(u.ConnectedAt) {
				u.ConnectedAt = c.ConnectedAt()
			}
			continue
		}
		byUser[userID] = &models.OnlineUser{
			UserID:      userID,
			UserType:    userType,
			ConnectedAt: c.ConnectedAt(),
		}
	}

	users := make([]*models.OnlineUser, 0, len(byUser))
	p.mu.RLock()
	for userID, u := range byUser {
		if e, ok := p.entries[userID]; ok {
			u.Presence = e.snapshot()
		} else {
			u.Presence = models.Presence{Status: models.StatusOffline}
		}
		users = append(users, u)
	}
	p.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// Len is the number of entries, online or not.
func (p *PresenceTracker) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// OnlineCount is the number of users with at least one connection.
func (p *PresenceTracker) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, e := range p.entries {
		if len(e.conns) > 0 {
			n++
		}
	}
	return n
}

// Prune forgets offline users last seen before cutoff.
func (p *PresenceTracker) Prune(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for userID, e := range p.entries {
		if len(e.conns) == 0 && e.lastSeen.Before(cutoff) {
			delete(p.entries, userID)
			n++
		}
	}
	return n
}

func (p *PresenceTracker) clear() {
	p.mu.Lock()
	p.entries = make(map[string]*presenceEntry)
	p.mu.Unlock()
}
