package websocket

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type terminations struct {
	mu  sync.Mutex
	ids []string
}

func (r *terminations) record(c *Connection) {
	r.mu.Lock()
	r.ids = append(r.ids, c.ID)
	r.mu.Unlock()
}

func (r *terminations) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func newTestMonitor(maxMissed int, conns ...*Connection) (*HeartbeatMonitor, *terminations) {
	reg := NewRegistry()
	for _, c := range conns {
		reg.Add(c)
	}
	term := &terminations{}
	m := NewHeartbeatMonitor(time.Hour, maxMissed, time.Second, reg, term.record, zerolog.Nop())
	return m, term
}

func TestHeartbeatTerminatesSilentConnection(t *testing.T) {
	ft := newFakeTransport()
	c := newConnection("silent", ft, 1, time.Now())
	m, term := newTestMonitor(1, c)

	m.tick()
	assert.Equal(t, 1, ft.pingCount())
	assert.Empty(t, term.list())
	assert.False(t, c.IsAlive())

	m.tick()
	assert.Equal(t, []string{"silent"}, term.list())
	assert.Equal(t, 1, ft.pingCount(), "terminated connections are not probed again")
}

func TestHeartbeatPongKeepsConnectionAlive(t *testing.T) {
	ft := newFakeTransport()
	c := newConnection("chatty", ft, 1, time.Now())
	m, term := newTestMonitor(1, c)

	for i := 0; i < 3; i++ {
		m.tick()
		c.markAlive(time.Now())
	}
	assert.Empty(t, term.list())
	assert.Equal(t, 3, ft.pingCount())
}

func TestHeartbeatToleratesMissedProbes(t *testing.T) {
	ft := newFakeTransport()
	c := newConnection("slow", ft, 1, time.Now())
	m, term := newTestMonitor(3, c)

	m.tick()
	m.tick()
	m.tick()
	assert.Empty(t, term.list())

	m.tick()
	assert.Equal(t, []string{"slow"}, term.list())
}

func TestHeartbeatStartStop(t *testing.T) {
	reg := NewRegistry()
	m := NewHeartbeatMonitor(5*time.Millisecond, 1, time.Second, reg, func(*Connection) {}, zerolog.Nop())

	m.Start()
	time.Sleep(20 * time.Millisecond)
	m.Stop()
	m.Stop()
}
