package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "leaseflow"

var recoveryBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}

// Metrics is a Sink that counts events and records recovery durations.
// Exposition is left to whoever owns the registry.
type Metrics struct {
	events     *prometheus.CounterVec
	recoveries *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Number of task, lease and recovery events, by event type.",
		}, []string{"event"}),
		recoveries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Duration of completed recoveries, by failure type and status.",
			Buckets:   recoveryBuckets,
		}, []string{"failure_type", "status"}),
	}
	if reg != nil {
		if err := reg.Register(m.events); err != nil {
			return nil, err
		}
		if err := reg.Register(m.recoveries); err != nil {
			return nil, err
		}
	}
	// pre-create the series so dashboards see zeros
	for _, e := range AllEventTypes {
		m.events.WithLabelValues(string(e))
	}
	return m, nil
}

func (m *Metrics) Publish(eventType EventType, data map[string]interface{}) {
	m.events.WithLabelValues(string(eventType)).Inc()
	if eventType != EventRecoveryCompleted {
		return
	}
	d, ok := data["durationSeconds"].(float64)
	if !ok {
		return
	}
	ft, _ := data["failureType"].(string)
	st, _ := data["status"].(string)
	m.recoveries.WithLabelValues(ft, st).Observe(d)
}

// EventCount returns the counter for one event type.
func (m *Metrics) EventCount(eventType EventType) prometheus.Counter {
	return m.events.WithLabelValues(string(eventType))
}
