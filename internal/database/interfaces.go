package database

import (
	"context"
	"time"
)

// SessionRepository records the lifecycle of broker connections. It is an
// audit trail only; nothing reads it back to route messages.
type SessionRepository interface {
	RecordConnect(ctx context.Context, connectionID, remoteAddr string, at time.Time) error
	RecordAuth(ctx context.Context, connectionID, userID, userType string, at time.Time) error
	RecordDisconnect(ctx context.Context, connectionID, reason string, at time.Time) error
	Close() error
}

// NoopSessions is used when no database is configured.
type NoopSessions struct{}

func (NoopSessions) RecordConnect(context.Context, string, string, time.Time) error { return nil }
func (NoopSessions) RecordAuth(context.Context, string, string, string, time.Time) error {
	return nil
}
func (NoopSessions) RecordDisconnect(context.Context, string, string, time.Time) error { return nil }
func (NoopSessions) Close() error                                                     { return nil }
