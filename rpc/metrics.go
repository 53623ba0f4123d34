package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PeerMetrics exposes a Peer's table sizes as Prometheus gauges, plus a
// Call-to-Return latency histogram, following the registration style of cloudflared's
// tunnelrpc/metrics package but scoped to one Peer instance instead of a
// single package-level global, since a process may host more than one
// connection.
type PeerMetrics struct {
	questions  prometheus.Gauge
	answers    prometheus.Gauge
	exports    prometheus.Gauge
	imports    prometheus.Gauge
	embargoes  prometheus.Gauge
	callLatency prometheus.Histogram
}

// NewPeerMetrics builds the gauges for one Peer, labeled with name so
// multiple peers in one process don't collide when registered.
func NewPeerMetrics(name string) *PeerMetrics {
	constLabels := prometheus.Labels{"peer": name}
	return &PeerMetrics{
		questions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "capnp_rpc",
			Name:        "questions_outstanding",
			Help:        "Number of calls this peer has sent awaiting a Return.",
			ConstLabels: constLabels,
		}),
		answers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "capnp_rpc",
			Name:        "answers_outstanding",
			Help:        "Number of calls this peer is fulfilling awaiting a Finish.",
			ConstLabels: constLabels,
		}),
		exports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "capnp_rpc",
			Name:        "exports",
			Help:        "Number of capabilities this peer has exported to its counterpart.",
			ConstLabels: constLabels,
		}),
		imports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "capnp_rpc",
			Name:        "imports",
			Help:        "Number of capabilities this peer has imported from its counterpart.",
			ConstLabels: constLabels,
		}),
		embargoes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "capnp_rpc",
			Name:        "embargoes_pending",
			Help:        "Number of disembargo round trips this peer is waiting on.",
			ConstLabels: constLabels,
		}),
		callLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "capnp_rpc",
			Name:        "call_latency_seconds",
			Help:        "Time between sending a Call and receiving its Return.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}

// Collectors returns every metric so the caller can register them with a
// prometheus.Registerer of their choosing.
func (m *PeerMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.questions, m.answers, m.exports, m.imports, m.embargoes, m.callLatency}
}

// observeCallLatency records one Call-to-Return round trip. Timestamps
// come from the clock the Peer was constructed with, never an ambient one.
func (m *PeerMetrics) observeCallLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.callLatency.Observe(d.Seconds())
}

func (m *PeerMetrics) observeTableSizes(p *Peer) {
	if m == nil {
		return
	}
	m.questions.Set(float64(len(p.questions)))
	m.answers.Set(float64(len(p.answers)))
	m.exports.Set(float64(len(p.exports.entries)))
	m.imports.Set(float64(len(p.imports.entries)))
	m.embargoes.Set(float64(len(p.embargoes.entries)))
}
