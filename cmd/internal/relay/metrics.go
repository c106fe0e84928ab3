package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections      *prometheus.CounterVec
	rejected         *prometheus.CounterVec
	online           prometheus.Gauge
	headers          *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	fileBytes        prometheus.Counter
	fanout           prometheus.Histogram
}

// NewMetrics registers the relay collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "connections_total",
			Help:      "Accepted connections by transport.",
		}, []string{"transport"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "rejections_total",
			Help:      "Rejected connections and registrations by reason.",
		}, []string{"reason"}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "online_users",
			Help:      "Currently registered users.",
		}),
		headers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "headers_received_total",
			Help:      "Headers received from clients by type.",
		}, []string{"type"}),
		deliveryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "delivery_failures_total",
			Help:      "Failed writes to recipients by header type.",
		}, []string{"type"}),
		fileBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "file_bytes_relayed_total",
			Help:      "File payload bytes written to recipients.",
		}),
		fanout: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "broadcast_fanout",
			Help:      "Recipients attempted per broadcast.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

func (m *Metrics) connectionAccepted(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
}

func (m *Metrics) rejectedWith(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) setOnline(n int) {
	if m == nil {
		return
	}
	m.online.Set(float64(n))
}

func (m *Metrics) headerReceived(typ string) {
	if m == nil {
		return
	}
	m.headers.WithLabelValues(typ).Inc()
}

func (m *Metrics) deliveryFailed(typ string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(typ).Inc()
}

func (m *Metrics) fileRelayed(bytes int64, recipients int) {
	if m == nil || recipients <= 0 {
		return
	}
	m.fileBytes.Add(float64(bytes * int64(recipients)))
}

func (m *Metrics) broadcastFanout(n int) {
	if m == nil {
		return
	}
	m.fanout.Observe(float64(n))
}
