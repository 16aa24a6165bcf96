// Package metrics holds the Prometheus collectors of the proxy.
package metrics

import (
	"time"

	"github.com/go-pantheon/fabrica-proxy/xnet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fabrica_proxy"

// Directions of relayed bytes.
const (
	Upstream   = "upstream"
	Downstream = "downstream"
)

// Resolution outcomes.
const (
	ResolveOK     = "ok"
	ResolveFailed = "failed"
)

type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	ConnectionsDeleted  *prometheus.CounterVec
	Resolutions         *prometheus.CounterVec
	ResolveDuration     prometheus.Histogram
	BytesRelayed        *prometheus.CounterVec
	StateTransitions    *prometheus.CounterVec
	EventsDispatched    prometheus.Counter
	HandlerPanics       prometheus.Counter
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ConnectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Client connections accepted",
		}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Client connections not yet deleted",
		}),
		ConnectionsDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_deleted_total",
			Help:      "Client connections deleted, by reason",
		}, []string{"reason"}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Host resolutions, by outcome",
		}, []string{"outcome"}),
		ResolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Time spent in host resolution",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
		BytesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Bytes written to peers, by direction",
		}, []string{"direction"}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connection state entries, by state",
		}, []string{"state"}),
		EventsDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Readiness events handed to handlers",
		}),
		HandlerPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Event handlers that panicked",
		}),
	}
}

func (m *Metrics) Accepted() {
	m.ConnectionsAccepted.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) Deleted(reason string) {
	m.ConnectionsActive.Dec()
	m.ConnectionsDeleted.WithLabelValues(reason).Inc()
}

func (m *Metrics) Resolved(err error, elapsed time.Duration) {
	outcome := ResolveOK
	if err != nil {
		outcome = ResolveFailed
	}

	m.Resolutions.WithLabelValues(outcome).Inc()
	m.ResolveDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Relayed(direction string, n int) {
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) Entered(s xnet.State) {
	m.StateTransitions.WithLabelValues(s.String()).Inc()
}
