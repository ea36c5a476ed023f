package models

import (
	"strings"
	"time"
)

const (
	UserRoomPrefix = "user_"
	RoleRoomPrefix = "type_"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// UserRoom is the personal room every authenticated connection joins.
func UserRoom(userID string) string {
	return UserRoomPrefix + userID
}

// RoleRoom is the role-wide room every authenticated connection joins.
func RoleRoom(role string) string {
	return RoleRoomPrefix + role
}

// UserIDFromRoom reports whether room is a personal room and returns its owner.
func UserIDFromRoom(room string) (string, bool) {
	if !strings.HasPrefix(room, UserRoomPrefix) || len(room) == len(UserRoomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(room, UserRoomPrefix), true
}

type Presence struct {
	Status             string    `json:"status"`
	CustomMessage      string    `json:"customMessage,omitempty"`
	LastSeen           time.Time `json:"lastSeen"`
	ActiveConnectionID string    `json:"activeConnectionId,omitempty"`
}

type OnlineUser struct {
	UserID      string    `json:"userId"`
	UserType    string    `json:"userType"`
	ConnectedAt time.Time `json:"connectedAt"`
	Presence    Presence  `json:"presence"`
}

// Stats is a point-in-time view of the broker's indices.
type Stats struct {
	Connections        int `json:"connections"`
	AuthenticatedUsers int `json:"authenticatedUsers"`
	Rooms              int `json:"rooms"`
	QueuedMessages     int `json:"queuedMessages"`
	PresenceEntries    int `json:"presenceEntries"`
}
