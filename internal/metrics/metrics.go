package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lobbyrelay"

// Join outcomes recorded by RoomJoin.
const (
	JoinOK       = "ok"
	JoinFull     = "full"
	JoinNotFound = "not_found"
	JoinError    = "error"
)

// Metrics holds the relay's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	roomsOpened *prometheus.CounterVec
	joins       *prometheus.CounterVec
	conflicts   prometheus.Counter
	reaped      *prometheus.CounterVec
	relayed     *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently connected sessions.",
		}),
		roomsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_created_total",
			Help:      "Rooms created, by visibility.",
		}, []string{"visibility"}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_joins_total",
			Help:      "Room join attempts, by mode and outcome.",
		}, []string{"mode", "result"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_version_conflicts_total",
			Help:      "Room writes rejected because of a stale version.",
		}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_total",
			Help:      "Rows deleted by the reapers.",
		}, []string{"kind"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_relayed_total",
			Help:      "Signaling messages relayed, by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.connections, m.roomsOpened, m.joins, m.conflicts, m.reaped, m.relayed)
	return m
}

// Handler exposes the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) RoomCreated(private bool) {
	if m == nil {
		return
	}
	visibility := "public"
	if private {
		visibility = "private"
	}
	m.roomsOpened.WithLabelValues(visibility).Inc()
}

func (m *Metrics) RoomJoin(mode, result string) {
	if m != nil {
		m.joins.WithLabelValues(mode, result).Inc()
	}
}

func (m *Metrics) VersionConflict() {
	if m != nil {
		m.conflicts.Inc()
	}
}

func (m *Metrics) Reaped(kind string, n int64) {
	if m != nil && n > 0 {
		m.reaped.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) Relayed(kind string) {
	if m != nil {
		m.relayed.WithLabelValues(kind).Inc()
	}
}
