package websocket

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const sessionQueueSize = 1024

// sessionRecorder applies session-log writes one at a time, in the order
// they were recorded, so a connection's rows are written connect first.
type sessionRecorder struct {
	queue  chan func(context.Context) error
	done   chan struct{}
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func newSessionRecorder(logger zerolog.Logger) *sessionRecorder {
	r := &sessionRecorder{
		queue:  make(chan func(context.Context) error, sessionQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.run()
	return r
}

// record queues fn. It blocks while the queue is full and drops fn once the
// recorder is closed.
func (r *sessionRecorder) record(fn func(context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn().Msg("Session log closed; dropping write")
		return
	}
	r.queue <- fn
}

func (r *sessionRecorder) run() {
	defer close(r.done)
	for fn := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		if err := fn(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Session log write failed")
		}
		cancel()
	}
}

// close stops accepting writes and waits for queued ones until ctx ends.
func (r *sessionRecorder) close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
