// Package observability exposes broker metrics to Prometheus.
package observability

import (
	"realtime-broker/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks broker traffic. Index sizes are read from a stats snapshot
// at scrape time rather than maintained incrementally.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// InboundFrames counts client frames by declared type.
	// Labels: type
	InboundFrames *prometheus.CounterVec

	// OutboundFrames counts frames handed to connection send buffers.
	OutboundFrames prometheus.Counter

	// DroppedFrames counts frames that could not be buffered for a connection.
	DroppedFrames prometheus.Counter

	// ProtocolErrors counts rejected client frames.
	// Labels: kind (malformed|unknown_type|missing_field|unauthenticated|auth_failed)
	ProtocolErrors *prometheus.CounterVec

	// HeartbeatTerminations counts connections closed for missing pongs.
	HeartbeatTerminations prometheus.Counter

	// Mailbox counts offline mailbox activity.
	// Labels: op (enqueued|replayed|expired)
	Mailbox *prometheus.CounterVec
}

// NewMetrics registers the broker collectors on reg. stats is called on
// every scrape to report index sizes.
func NewMetrics(reg prometheus.Registerer, stats func() models.Stats) *Metrics {
	m := &Metrics{
		InboundFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_inbound_frames_total",
				Help: "Client frames received by type",
			},
			[]string{"type"},
		),
		OutboundFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_outbound_frames_total",
			Help: "Frames queued for delivery to connections",
		}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_dropped_frames_total",
			Help: "Frames dropped because a connection was closed or its buffer was full",
		}),
		ProtocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_protocol_errors_total",
				Help: "Client frames rejected by kind",
			},
			[]string{"kind"},
		),
		HeartbeatTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_heartbeat_terminations_total",
			Help: "Connections terminated after missing heartbeat responses",
		}),
		Mailbox: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_mailbox_entries_total",
				Help: "Offline mailbox entries by operation",
			},
			[]string{"op"},
		),
	}

	reg.MustRegister(
		m.InboundFrames,
		m.OutboundFrames,
		m.DroppedFrames,
		m.ProtocolErrors,
		m.HeartbeatTerminations,
		m.Mailbox,
	)

	if stats != nil {
		reg.MustRegister(newStatsCollector(stats))
	}
	return m
}

func (m *Metrics) Inbound(t models.MessageType) {
	if m == nil {
		return
	}
	m.InboundFrames.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) Sent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OutboundFrames.Add(float64(n))
}

func (m *Metrics) Dropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DroppedFrames.Add(float64(n))
}

func (m *Metrics) ProtocolError(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) HeartbeatTerminated() {
	if m == nil {
		return
	}
	m.HeartbeatTerminations.Inc()
}

func (m *Metrics) MailboxOp(op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Mailbox.WithLabelValues(op).Add(float64(n))
}

// statsCollector reports one gauge per Stats field.
type statsCollector struct {
	stats func() models.Stats

	connections *prometheus.Desc
	users       *prometheus.Desc
	rooms       *prometheus.Desc
	queued      *prometheus.Desc
	presence    *prometheus.Desc
}

func newStatsCollector(stats func() models.Stats) *statsCollector {
	return &statsCollector{
		stats:       stats,
		connections: prometheus.NewDesc("broker_connections", "Live connections", nil, nil),
		users:       prometheus.NewDesc("broker_authenticated_users", "Users with at least one authenticated connection", nil, nil),
		rooms:       prometheus.NewDesc("broker_rooms", "Rooms with at least one member", nil, nil),
		queued:      prometheus.NewDesc("broker_mailbox_queued", "Envelopes waiting in offline mailboxes", nil, nil),
		presence:    prometheus.NewDesc("broker_presence_entries", "Tracked presence entries", nil, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.users
	ch <- c.rooms
	ch <- c.queued
	ch <- c.presence
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(s.Connections))
	ch <- prometheus.MustNewConstMetric(c.users, prometheus.GaugeValue, float64(s.AuthenticatedUsers))
	ch <- prometheus.MustNewConstMetric(c.rooms, prometheus.GaugeValue, float64(s.Rooms))
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(s.QueuedMessages))
	ch <- prometheus.MustNewConstMetric(c.presence, prometheus.GaugeValue, float64(s.PresenceEntries))
}
