// Package mailbox holds envelopes for users that have no live connection and
// hands them back, oldest first, when the user authenticates again.
package mailbox

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one undelivered envelope.
type Entry struct {
	Envelope json.RawMessage `json:"envelope"`
	QueuedAt time.Time       `json:"queuedAt"`
}

// Policy bounds a mailbox. Zero values disable the corresponding limit.
type Policy struct {
	Retention  time.Duration
	MaxPerUser int
}

// DefaultPolicy keeps at most 100 entries per user for up to a day.
func DefaultPolicy() Policy {
	return Policy{Retention: 24 * time.Hour, MaxPerUser: 100}
}

func (p Policy) expired(e Entry, now time.Time) bool {
	return p.Retention > 0 && now.Sub(e.QueuedAt) > p.Retention
}

// Mailbox is a per-user FIFO of envelopes awaiting delivery.
type Mailbox interface {
	// Enqueue appends envelope to the tail of the user's queue.
	Enqueue(ctx context.Context, userID string, envelope []byte) error
	// Drain removes and returns the user's queue in FIFO order, skipping
	// entries older than the retention window.
	Drain(ctx context.Context, userID string) ([]Entry, error)
	// Expire drops entries older than the retention window across all users
	// and reports how many were dropped.
	Expire(ctx context.Context) (int, error)
	// Len reports the number of queued entries across all users.
	Len(ctx context.Context) (int, error)
	Close() error
}

// DrainAndDeliver empties the user's queue and hands every entry to deliver
// in order. The queue is cleared whatever deliver returns; replay is
// at-most-once per reconnect.
func DrainAndDeliver(ctx context.Context, mb Mailbox, userID string, deliver func(Entry) bool) (int, error) {
	entries, err := mb.Drain(ctx, userID)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, e := range entries {
		if deliver(e) {
			delivered++
		}
	}
	return delivered, nil
}
