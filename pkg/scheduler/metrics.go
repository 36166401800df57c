package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the fetch scheduler.
var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetcher_queue_depth",
		Help: "Number of requests waiting in the admission queue",
	})

	activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetcher_active_workers",
		Help: "Number of entries in the active set",
	})

	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcher_submissions_total",
		Help: "Total fetch submissions by result",
	}, []string{"result"})

	removalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcher_removals_total",
		Help: "Total removals by where the subject was found",
	}, []string{"from"}) // "queue", "active", "none"

	workersFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcher_workers_finished_total",
		Help: "Total fetch workers finished by outcome",
	}, []string{"outcome"})

	itemsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetcher_items_processed_total",
		Help: "Total beatmaps fully processed by fetch workers",
	})

	scoresFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcher_scores_fetched_total",
		Help: "Total scores fetched by mode",
	}, []string{"mode"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetcher_fetch_duration_seconds",
		Help:    "Wall time of a fetch run by outcome",
		Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
	}, []string{"outcome"})
)
