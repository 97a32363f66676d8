package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful remediations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed remediations (dispatch or control-plane issues).
	OutcomeError = "error"

	// SourceAnalysis labels classifications produced by the analysis provider.
	SourceAnalysis = "analysis"
	// SourceFallback labels deterministic fallback classifications.
	SourceFallback = "fallback"
)

var (
	logEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remediator",
			Name:      "log_events_total",
			Help:      "Log events received from upstream streams, by service.",
		},
		[]string{"service"},
	)

	triggersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remediator",
			Name:      "triggers_total",
			Help:      "Log events that matched a trigger condition.",
		},
	)

	classificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remediator",
			Name:      "classifications_total",
			Help:      "Batch classifications, partitioned by source.",
		},
		[]string{"source"},
	)

	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remediator",
			Name:      "incidents_total",
			Help:      "Incident submissions, partitioned by dedup result.",
		},
		[]string{"result"},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remediator",
			Name:      "remediations_total",
			Help:      "Finalised remediation actions, partitioned by action type and outcome.",
		},
		[]string{"action_type", "outcome"},
	)

	remediationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "remediator",
			Name:      "remediation_seconds",
			Help:      "Remediation dispatch latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	connectionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "remediator",
			Name:      "connections",
			Help:      "Stream connections currently tracked by the manager.",
		},
	)

	reconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remediator",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts made by stream connections.",
		},
	)

	healthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remediator",
			Name:      "health_check_failures_total",
			Help:      "Liveness probes that reported a connection as not alive.",
		},
	)
)

// Register attaches remediator collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		logEventsTotal,
		triggersTotal,
		classificationsTotal,
		incidentsTotal,
		remediationsTotal,
		remediationDurationSeconds,
		connectionsGauge,
		reconnectsTotal,
		healthFailuresTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveLogEvent counts an inbound log event.
func ObserveLogEvent(service string) {
	logEventsTotal.WithLabelValues(service).Inc()
}

// ObserveTrigger counts a trigger match.
func ObserveTrigger() {
	triggersTotal.Inc()
}

// ObserveClassification counts a classification by source label.
func ObserveClassification(source string) {
	classificationsTotal.WithLabelValues(source).Inc()
}

// ObserveIncident counts a dedup submission result.
func ObserveIncident(result string) {
	incidentsTotal.WithLabelValues(result).Inc()
}

// ObserveRemediation records a remediation duration and outcome label.
func ObserveRemediation(actionType string, duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	remediationsTotal.WithLabelValues(actionType, label).Inc()
	if duration < 0 {
		duration = 0
	}
	remediationDurationSeconds.Observe(duration.Seconds())
}

// SetConnections records the number of tracked connections.
func SetConnections(n int) {
	connectionsGauge.Set(float64(n))
}

// ObserveReconnect counts a reconnect attempt.
func ObserveReconnect() {
	reconnectsTotal.Inc()
}

// ObserveHealthFailure counts a failed liveness probe.
func ObserveHealthFailure() {
	healthFailuresTotal.Inc()
}
