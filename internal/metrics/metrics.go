package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "deal_constructor"

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ResolverVerdicts     *prometheus.CounterVec
	StageTransitions     *prometheus.CounterVec
	PollTicks            *prometheus.CounterVec
	NotificationFailures *prometheus.CounterVec
	ActiveSessions       prometheus.Gauge
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ResolverVerdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "resolver",
				Name:      "verdicts_total",
				Help:      "Candidate writes by step, source and verdict",
			},
			[]string{"step", "source", "verdict"},
		),
		StageTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "transitions_total",
				Help:      "Stage controller transitions",
			},
			[]string{"from", "to"},
		),
		PollTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poller",
				Name:      "ticks_total",
				Help:      "Status poll attempts by watch kind and result",
			},
			[]string{"kind", "result"},
		),
		NotificationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notifications",
				Name:      "failures_total",
				Help:      "Best-effort notifications that failed to publish",
			},
			[]string{"event"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Deal sessions held in memory",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.ResolverVerdicts,
			m.StageTransitions,
			m.PollTicks,
			m.NotificationFailures,
			m.ActiveSessions,
		)
	}
	return m
}

// ObserveVerdict counts one resolver decision
func (m *Metrics) ObserveVerdict(step, source, verdict string) {
	if m == nil {
		return
	}
	m.ResolverVerdicts.WithLabelValues(step, source, verdict).Inc()
}

// ObserveTransition counts one stage transition
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.StageTransitions.WithLabelValues(from, to).Inc()
}

// ObservePoll counts one poll attempt
func (m *Metrics) ObservePoll(kind, result string) {
	if m == nil {
		return
	}
	m.PollTicks.WithLabelValues(kind, result).Inc()
}

// ObserveNotificationFailure counts a dropped notification
func (m *Metrics) ObserveNotificationFailure(event string) {
	if m == nil {
		return
	}
	m.NotificationFailures.WithLabelValues(event).Inc()
}

// SetActiveSessions reports the session count
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
