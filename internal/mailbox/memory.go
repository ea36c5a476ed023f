package mailbox

import (
	"context"
	"sync"
	"time"
)

// MemoryMailbox keeps queues in process memory. Contents are lost on restart.
type MemoryMailbox struct {
	mu     sync.Mutex
	queues map[string][]Entry
	total  int
	policy Policy
	now    func() time.Time
}

func NewMemoryMailbox(policy Policy) *MemoryMailbox {
	return &MemoryMailbox{
		queues: make(map[string][]Entry),
		policy: policy,
		now:    time.Now,
	}
}

func (m *MemoryMailbox) Enqueue(_ context.Context, userID string, envelope []byte) error {
	entry := Entry{
		Envelope: append([]byte(nil), envelope...),
		QueuedAt: m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q := append(m.queues[userID], entry)
	m.total++

	// Oldest entries go first when the user is over the cap.
	if m.policy.MaxPerUser > 0 && len(q) > m.policy.MaxPerUser {
		drop := len(q) - m.policy.MaxPerUser
		q = append([]Entry(nil), q[drop:]...)
		m.total -= drop
	}
	m.queues[userID] = q
	return nil
}

func (m *MemoryMailbox) Drain(_ context.Context, userID string) ([]Entry, error) {
	m.mu.Lock()
	q, ok := m.queues[userID]
	if ok {
		delete(m.queues, userID)
		m.total -= len(q)
	}
	m.mu.Unlock()

	if !ok {
		return nil, nil
	}

	now := m.now()
	out := q[:0]
	for _, e := range q {
		if !m.policy.expired(e, now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryMailbox) Expire(_ context.Context) (int, error) {
	if m.policy.Retention <= 0 {
		return 0, nil
	}

	now := m.now()
	dropped := 0

	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, q := range m.queues {
		// Queues are ordered by QueuedAt, so stale entries form a prefix.
		i := 0
		for i < len(q) && m.policy.expired(q[i], now) {
			i++
		}
		if i == 0 {
			continue
		}
		dropped += i
		m.total -= i
		if i == len(q) {
			delete(m.queues, userID)
		} else {
			m.queues[userID] = append([]Entry(nil), q[i:]...)
		}
	}
	return dropped, nil
}

func (m *MemoryMailbox) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total, nil
}

func (m *MemoryMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = make(map[string][]Entry)
	m.total = 0
	return nil
}
