package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admission
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_admissions_total",
			Help: "Admission decisions by action class, decision and reason",
		},
		[]string{"action_class", "decision", "reason"},
	)

	AdmissionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quota_admission_duration_seconds",
			Help:    "Time spent deciding admission",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"action_class"},
	)

	WindowReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_window_releases_total",
			Help: "Window reservations released after a later gate denied",
		},
		[]string{"action_class", "result"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_store_errors_total",
			Help: "Errors talking to the counter stores",
		},
		[]string{"store", "operation"},
	)

	// Accounting
	Commits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_usage_commits_total",
			Help: "Usage commits by result",
		},
		[]string{"action_class", "result"},
	)

	CommitRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_usage_commit_retries_total",
			Help: "Asynchronous usage commit retries by result",
		},
		[]string{"result"},
	)

	RetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quota_usage_retry_queue_depth",
			Help: "Usage commits waiting for a retry worker",
		},
	)

	DeadLetters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quota_usage_dead_letters",
			Help: "Usage commits that exhausted their retries and await reconciliation",
		},
	)

	// Tools
	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_invocations_total",
			Help: "Metered tool invocations by tool and outcome",
		},
		[]string{"tool_id", "outcome"},
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tool_invocation_duration_seconds",
			Help:    "Backend time spent running a tool",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool_id"},
	)
)

// ObserveAdmission records one admission decision
func ObserveAdmission(actionClass string, allowed bool, reason string, seconds float64) {
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	if reason == "" {
		reason = "none"
	}
	Admissions.WithLabelValues(actionClass, decision, reason).Inc()
	AdmissionDuration.WithLabelValues(actionClass).Observe(seconds)
}
