package websocket

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HeartbeatMonitor probes every connection once per interval. A connection
// that has not answered maxMissed consecutive probes is handed to terminate.
type HeartbeatMonitor struct {
	interval  time.Duration
	maxMissed int32
	writeWait time.Duration
	registry  *Registry
	terminate func(*Connection)
	now       func() time.Time
	logger    zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewHeartbeatMonitor(interval time.Duration, maxMissed int, writeWait time.Duration, registry *Registry, terminate func(*Connection), logger zerolog.Logger) *HeartbeatMonitor {
	if maxMissed < 1 {
		maxMissed = 1
	}
	return &HeartbeatMonitor{
		interval:  interval,
		maxMissed: int32(maxMissed),
		writeWait: writeWait,
		registry:  registry,
		terminate: terminate,
		now:       time.Now,
		logger:    logger.With().Str("component", "heartbeat").Logger(),
		stop:      make(chan struct{}),
	}
}

func (m *HeartbeatMonitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts the ticker and waits for an in-flight tick to finish.
func (m *HeartbeatMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *HeartbeatMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick runs one probe round.
func (m *HeartbeatMonitor) tick() {
	deadline := m.now().Add(m.writeWait)
	for _, c := range m.registry.Snapshot() {
		if !c.alive.Swap(false) {
			if c.missed.Add(1) >= m.maxMissed {
				m.logger.Info().
					Str("conn_id", c.ID).
					Time("last_seen", c.LastSeen()).
					Msg("Terminating unresponsive connection")
				m.terminate(c)
				continue
			}
		}

		if err := c.ping(deadline); err != nil {
			m.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("Ping failed")
		}
	}
}
