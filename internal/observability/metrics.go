package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchRunsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sharing", Name: "match_runs_total", Help: "Matching pipeline executions"})
	MatchFailures      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sharing", Name: "match_failures_total", Help: "Matching pipeline failures"})
	SuggestionsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sharing", Name: "suggestions_created_total", Help: "Match suggestions persisted"})
	SuggestionsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sharing", Name: "suggestions_expired_total", Help: "Match suggestions expired by the sweeper"})
	FallbackDrivers    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sharing", Name: "fallback_drivers_total", Help: "Pipelines that had to assign a synthetic placeholder driver"})
	MatchLatency       = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_sharing", Name: "match_latency_seconds", Help: "Matching pipeline latency"})
	DriversOnline      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_sharing", Name: "drivers_online", Help: "Distinct drivers that have reported a location"})
	LocationUpdates    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_sharing", Name: "location_updates_total", Help: "Driver location updates applied"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sharing", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_sharing",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
