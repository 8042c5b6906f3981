package rntracez

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "rntracez"

// Metrics holds the Prometheus instruments shared by the tracer and the
// lifecycle components. A nil *Metrics disables instrumentation.
type Metrics struct {
	// Registry
	SpansStarted prometheus.Counter
	SpansEnded   prometheus.Counter

	// Event pipeline
	EventsProcessed prometheus.Counter
	EventsDropped   prometheus.Counter
	EventsUnsampled prometheus.Counter

	// Components
	IdleSpansEnded     *prometheus.CounterVec
	NavigationDiscards *prometheus.CounterVec
	AppStartsAttached  prometheus.Counter
	AppStartRejections *prometheus.CounterVec
	StallsObserved     prometheus.Counter
}

// NewMetrics creates the instruments on reg. A nil reg uses a private
// registry, which keeps repeated construction in tests from colliding.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		SpansStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "spans_started_total",
			Help:      "Total number of spans started",
		}),
		SpansEnded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "spans_ended_total",
			Help:      "Total number of spans ended",
		}),
		EventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_processed_total",
			Help:      "Transaction events that went through every processor",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "Transaction events dropped because the pipeline queue was full",
		}),
		EventsUnsampled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_unsampled_total",
			Help:      "Root spans that ended without being sampled",
		}),
		IdleSpansEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "idle_spans_ended_total",
			Help:      "Idle spans ended, by reason",
		}, []string{"reason"}),
		NavigationDiscards: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "navigation_discards_total",
			Help:      "Navigation spans discarded before commit, by reason",
		}, []string{"reason"}),
		AppStartsAttached: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "app_starts_attached_total",
			Help:      "App start data attached to a transaction",
		}),
		AppStartRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "app_start_rejections_total",
			Help:      "App start attachments skipped, by reason",
		}, []string{"reason"}),
		StallsObserved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stalls_observed_total",
			Help:      "JavaScript loop stalls above the threshold",
		}),
	}
}

// IncIdleEnd records an idle span end reason. Safe on a nil receiver.
func (m *Metrics) IncIdleEnd(reason string) {
	if m == nil {
		return
	}
	m.IdleSpansEnded.WithLabelValues(reason).Inc()
}

// IncNavigationDiscard records a discarded navigation. Safe on a nil receiver.
func (m *Metrics) IncNavigationDiscard(reason string) {
	if m == nil {
		return
	}
	m.NavigationDiscards.WithLabelValues(reason).Inc()
}

// IncAppStartAttached records a successful attachment. Safe on a nil receiver.
func (m *Metrics) IncAppStartAttached() {
	if m == nil {
		return
	}
	m.AppStartsAttached.Inc()
}

// IncAppStartRejected records a skipped attachment. Safe on a nil receiver.
func (m *Metrics) IncAppStartRejected(reason string) {
	if m == nil {
		return
	}
	m.AppStartRejections.WithLabelValues(reason).Inc()
}

// IncStall records an observed stall. Safe on a nil receiver.
func (m *Metrics) IncStall() {
	if m == nil {
		return
	}
	m.StallsObserved.Inc()
}
