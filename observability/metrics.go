// Package observability provides Prometheus metrics instrumentation for
// the broker back-end.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// ENVELOPE METRICS
// =============================================================================

var (
	envelopesStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xbus_envelopes_started_total",
			Help: "Total number of envelopes opened by emitters",
		},
	)

	envelopesFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xbus_envelopes_finished_total",
			Help: "Total number of envelopes reaching a terminal state",
		},
		[]string{"state"}, // state: done, stop, canc
	)

	eventsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xbus_events_started_total",
			Help: "Total number of events started, by event type name",
		},
		[]string{"event_type"},
	)

	itemsForwardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xbus_items_forwarded_total",
			Help: "Total number of items forwarded along graph edges",
		},
	)
)

// =============================================================================
// RECIPIENT CALL METRICS
// =============================================================================

var (
	recipientCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xbus_recipient_calls_total",
			Help: "Total outbound recipient calls",
		},
		[]string{"verb", "status"}, // status: ok, refused, error
	)

	recipientCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xbus_recipient_call_duration_seconds",
			Help:    "Outbound recipient call duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"verb"},
	)

	phaseTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xbus_phase_timeouts_total",
			Help: "Total recipient calls aborted by the per-phase watchdog",
		},
		[]string{"verb"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordEnvelopeStarted records an envelope being opened.
func RecordEnvelopeStarted() {
	envelopesStartedTotal.Inc()
}

// RecordEnvelopeFinished records an envelope reaching a terminal state.
func RecordEnvelopeFinished(state string) {
	envelopesFinishedTotal.WithLabelValues(state).Inc()
}

// RecordEventStarted records an event being started.
func RecordEventStarted(eventType string) {
	eventsStartedTotal.WithLabelValues(eventType).Inc()
}

// RecordItemForwarded records one item forwarded along a graph edge.
func RecordItemForwarded() {
	itemsForwardedTotal.Inc()
}

// RecordRecipientCall records one outbound recipient call.
// This should be called after the call completes.
func RecordRecipientCall(verb string, status string, seconds float64) {
	recipientCallsTotal.WithLabelValues(verb, status).Inc()
	recipientCallDurationSeconds.WithLabelValues(verb).Observe(seconds)
}

// RecordPhaseTimeout records a recipient call killed by its watchdog.
func RecordPhaseTimeout(verb string) {
	phaseTimeoutsTotal.WithLabelValues(verb).Inc()
}
