package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Total submitted jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	RateLimitDefers  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_deferred_total", Help: "Submissions deferred as delayed jobs"})
	JobSuccess       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	JobRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Job attempts that failed and were rescheduled"})
	JobDeadLetter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Jobs moved to the dead-letter queue"})
	JobRevoked       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_revoked_total", Help: "Jobs revoked before or during execution"})
	BreakerRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_breaker_rejects_total", Help: "Calls rejected by an open circuit breaker"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Ready queue depth"}, []string{"queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			RateLimitRejects,
			RateLimitDefers,
			JobSuccess,
			JobRetries,
			JobDeadLetter,
			JobRevoked,
			BreakerRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
