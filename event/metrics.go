package event

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeDispatched = "dispatched"
	outcomeIgnored    = "ignored"

	resultOK    = "ok"
	resultError = "error"
)

// Metrics counts events and measures header fetches.
type Metrics struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg, reusing collectors that are
// already registered under the same name. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hdrfetch_events_total",
			Help: "Function-call events received, by name and outcome",
		}, []string{"name", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hdrfetch_fetch_duration_seconds",
			Help:    "Time taken by HEAD requests against the current location",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
	}
	if reg == nil {
		return m, nil
	}

	if err := reg.Register(m.events); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, fmt.Errorf("failed to register events metric: %w", err)
		}
		m.events = are.ExistingCollector.(*prometheus.CounterVec)
	}

	if err := reg.Register(m.duration); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, fmt.Errorf("failed to register duration metric: %w", err)
		}
		m.duration = are.ExistingCollector.(*prometheus.HistogramVec)
	}

	return m, nil
}

func (m *Metrics) event(name, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) fetch(result string, seconds float64) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(result).Observe(seconds)
}
