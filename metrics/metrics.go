package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translate_jobs_total",
			Help: "Jobs that reached a terminal state",
		},
		[]string{"kind", "result"}, // succeeded|failed|cancelled
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "translate_job_duration_seconds",
			Help:    "Time from admission to completion",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"kind"},
	)

	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "translate_jobs_active",
			Help: "Jobs currently admitted",
		},
	)

	JobsQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "translate_jobs_queued",
			Help: "Jobs waiting for admission",
		},
		[]string{"priority"},
	)

	BucketLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "translate_bucket_level",
			Help: "Current token bucket level",
		},
		[]string{"bucket"}, // rpm|tpm
	)

	BucketCeiling = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "translate_bucket_ceiling",
			Help: "Configured token bucket ceiling",
		},
		[]string{"bucket"},
	)

	WaitQueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "translate_wait_queue_length",
			Help: "Resource requests waiting for budget",
		},
		[]string{"queue"}, // rpm|tpm
	)

	ResourceGrants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translate_resource_grants_total",
			Help: "Resource requests granted",
		},
		[]string{"path"}, // immediate|queued
	)

	ResourceRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translate_resource_rejections_total",
			Help: "Resource requests rejected",
		},
		[]string{"reason"},
	)

	TokensReported = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translate_tokens_reported_total",
			Help: "Actual token usage reported on release",
		},
		[]string{"direction"}, // input|output
	)

	PauseActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "translate_pause_active",
			Help: "1 while the overload pause gate is closed",
		},
	)

	PausesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "translate_pauses_total",
			Help: "Pause gate activations",
		},
	)

	ChunkAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translate_chunk_attempts_total",
			Help: "Translation API calls per chunk attempt",
		},
		[]string{"result"}, // success|failure|overloaded
	)

	ChunkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "translate_chunk_duration_seconds",
			Help:    "Duration of a single translation API call",
			Buckets: prometheus.DefBuckets,
		},
	)

	Escalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "translate_model_escalations_total",
			Help: "Jobs switched to the fallback model",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(JobsActive)
	prometheus.MustRegister(JobsQueued)
	prometheus.MustRegister(BucketLevel)
	prometheus.MustRegister(BucketCeiling)
	prometheus.MustRegister(WaitQueueLength)
	prometheus.MustRegister(ResourceGrants)
	prometheus.MustRegister(ResourceRejections)
	prometheus.MustRegister(TokensReported)
	prometheus.MustRegister(PauseActive)
	prometheus.MustRegister(PausesTotal)
	prometheus.MustRegister(ChunkAttempts)
	prometheus.MustRegister(ChunkDuration)
	prometheus.MustRegister(Escalations)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
