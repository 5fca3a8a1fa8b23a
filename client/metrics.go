package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh outcome label values.
const (
	outcomeSuccess  = "success"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

// Metrics counts refresh activity. A nil *Metrics records nothing.
type Metrics struct {
	refreshes *prometheus.CounterVec
	retries   prometheus.Counter
	logouts   prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authfetch",
			Name:      "refresh_total",
			Help:      "Refresh endpoint calls by outcome.",
		}, []string{"outcome"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "authfetch",
			Name:      "retries_total",
			Help:      "Requests re-issued after a successful refresh.",
		}),
		logouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "authfetch",
			Name:      "logouts_total",
			Help:      "Forced logouts after an unrecoverable authorization failure.",
		}),
	}
}

func (m *Metrics) refresh(outcome string) {
	if m != nil {
		m.refreshes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) logout() {
	if m != nil {
		m.logouts.Inc()
	}
}
