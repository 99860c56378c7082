package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimwatch_jobs_enqueued_total",
			Help: "Total number of detection jobs enqueued",
		},
		[]string{"status"}, // accepted, duplicate
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimwatch_jobs_finished_total",
			Help: "Total number of detection job attempts by outcome",
		},
		[]string{"outcome"}, // completed, retried, dead_lettered, recovered
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "claimwatch_job_duration_seconds",
			Help:    "Duration of a detection job attempt",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// Detection metrics
	CandidatesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimwatch_candidates_detected_total",
			Help: "Total number of anomaly candidates emitted by detectors",
		},
		[]string{"type"},
	)

	ConfidenceScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "claimwatch_confidence_scores",
			Help:    "Distribution of confidence scores assigned to candidates",
			Buckets: []float64{.1, .2, .3, .4, .5, .6, .7, .75, .8, .85, .9, .95, 1},
		},
	)

	ScoringFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "claimwatch_scoring_fallbacks_total",
			Help: "Total number of candidates scored by the heuristic fallback",
		},
	)

	// Triage metrics
	Dispositions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimwatch_dispositions_total",
			Help: "Total number of dispositions assigned",
		},
		[]string{"disposition", "severity"},
	)

	EvidenceUpgrades = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "claimwatch_evidence_upgrades_total",
			Help: "Total number of results upgraded to auto-submit by evidence",
		},
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimwatch_events_published_total",
			Help: "Total number of events published",
		},
		[]string{"status", "type", "sink"}, // success/error, claim.expiring, discord/smtp/log/redis
	)

	// Lifecycle metrics
	Sweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "claimwatch_deadline_sweeps_total",
			Help: "Total number of deadline sweep runs",
		},
	)

	SweepTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimwatch_deadline_sweep_transitions_total",
			Help: "Results alerted or expired by deadline sweeps",
		},
		[]string{"kind"}, // expiring, expired
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "claimwatch_deadline_sweep_duration_seconds",
			Help:    "Duration of deadline sweeps",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		},
	)

	// Outbound API metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimwatch_api_requests_total",
			Help: "Total number of outbound API requests",
		},
		[]string{"api", "endpoint", "status"}, // oracle/docstore, /score, success/error
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claimwatch_api_request_duration_seconds",
			Help:    "Duration of outbound API requests",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"api", "endpoint"},
	)

	// Database metrics
	DatabaseQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimwatch_database_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claimwatch_database_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// System health
	HealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimwatch_health_checks_total",
			Help: "Total number of health check requests",
		},
		[]string{"status"}, // healthy/unhealthy
	)
)

// RecordEnqueue records an enqueue attempt
func RecordEnqueue(duplicate bool) {
	status := "accepted"
	if duplicate {
		status = "duplicate"
	}
	JobsEnqueued.WithLabelValues(status).Inc()
}

// RecordJobAttempt records the outcome and duration of one job attempt
func RecordJobAttempt(outcome string, duration time.Duration) {
	JobsFinished.WithLabelValues(outcome).Inc()
	if duration > 0 {
		JobDuration.Observe(duration.Seconds())
	}
}

// RecordCandidates records detector output per anomaly type
func RecordCandidates(anomalyType string, count int) {
	CandidatesDetected.WithLabelValues(anomalyType).Add(float64(count))
}

// RecordScore records an assigned confidence score
func RecordScore(score float64, fallback bool) {
	ConfidenceScores.Observe(score)
	if fallback {
		ScoringFallbacks.Inc()
	}
}

// RecordDisposition records a triage decision
func RecordDisposition(disposition, severity string) {
	Dispositions.WithLabelValues(disposition, severity).Inc()
}

// RecordEvidenceUpgrade records a needs-review result promoted by evidence
func RecordEvidenceUpgrade() {
	EvidenceUpgrades.Inc()
}

// RecordEvent records an event delivery attempt
func RecordEvent(eventType, sink string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	EventsPublished.WithLabelValues(status, eventType, sink).Inc()
}

// RecordSweep records a deadline sweep run
func RecordSweep(duration time.Duration, alerted, expired int) {
	Sweeps.Inc()
	SweepTransitions.WithLabelValues("expiring").Add(float64(alerted))
	SweepTransitions.WithLabelValues("expired").Add(float64(expired))
	SweepDuration.Observe(duration.Seconds())
}

// RecordAPIRequest records outbound API request metrics
func RecordAPIRequest(api, endpoint string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	APIRequests.WithLabelValues(api, endpoint, status).Inc()
	APIRequestDuration.WithLabelValues(api, endpoint).Observe(duration.Seconds())
}

// RecordDatabaseQuery records database query metrics
func RecordDatabaseQuery(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseQueries.WithLabelValues(operation, status).Inc()
	DatabaseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHealthCheck records health check status
func RecordHealthCheck(healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	HealthChecks.WithLabelValues(status).Inc()
}
