package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_submitted_total", Help: "Jobs accepted and queued"})
	SubmissionRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analysis_submission_rejects_total", Help: "Submissions rejected at validation"}, []string{"code"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analysis_jobs_failed_total", Help: "Jobs that failed, by error kind"}, []string{"kind"})
	RunningGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_jobs_running", Help: "Analysis subprocesses currently running"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_queue_depth", Help: "Jobs waiting for an executor slot"})
	RateLimitRejects  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analysis_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"}, []string{"bucket"})
	AuthFailures      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "analysis_auth_failures_total", Help: "Failed token issuance or verification"}, []string{"code"})
	AuditSinkFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_audit_sink_failures_total", Help: "Audit entries the primary sink failed to persist"})
	ToolDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "analysis_tool_duration_seconds",
		Help:    "Wall-clock duration of analysis subprocesses",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			SubmissionRejects,
			JobsCompleted,
			JobsFailed,
			RunningGauge,
			QueueDepthGauge,
			RateLimitRejects,
			AuthFailures,
			AuditSinkFailures,
			ToolDuration,
		)
	})
	return promhttp.Handler()
}
