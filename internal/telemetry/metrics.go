package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	// Client side.
	PollRequests   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mediagen_poll_requests_total", Help: "Job status requests issued"}, []string{"kind"})
	PollFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mediagen_poll_failures_total", Help: "Job status requests that failed in transport"}, []string{"kind"})
	JobsTerminal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mediagen_jobs_terminal_total", Help: "Jobs observed reaching a terminal state"}, []string{"kind", "state"})
	ActivePollers  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mediagen_active_pollers", Help: "Per-kind pollers currently scheduled"})
	EnqueueResults = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mediagen_enqueue_results_total", Help: "Enqueue attempts by outcome"}, []string{"kind", "outcome"})
	StaleResponses = prometheus.NewCounter(prometheus.CounterOpts{Name: "mediagen_stale_responses_total", Help: "Async workflow responses discarded by the epoch guard"})

	// Dev server side.
	ServerEnqueued      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "devserver_jobs_enqueued_total", Help: "Jobs created"}, []string{"kind"})
	IdempotentReplays   = prometheus.NewCounter(prometheus.CounterOpts{Name: "devserver_idempotent_replays_total", Help: "Requests collapsed onto an existing token"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "devserver_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	MediaUploads        = prometheus.NewCounter(prometheus.CounterOpts{Name: "devserver_media_uploads_total", Help: "Media files stored"})
	ServerJobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "devserver_jobs_terminal_total", Help: "Simulated jobs reaching a terminal status"}, []string{"status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PollRequests,
			PollFailures,
			JobsTerminal,
			ActivePollers,
			EnqueueResults,
			StaleResponses,
			ServerEnqueued,
			IdempotentReplays,
			RateLimitRejects,
			MediaUploads,
			ServerJobsCompleted,
		)
	})
	return promhttp.Handler()
}
