// Package metrics exposes the Prometheus registry of the score fetcher.
// All metrics are defined in their respective packages (client, ratelimit,
// scheduler, store, checkpoint) to keep packages independent.
//
// This package documents them and serves them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all packages register with via promauto.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer Handler serves.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - fetcher_rate_limit_acquired_total (Counter): Calls admitted by the sliding window
//   - fetcher_rate_limit_throttled_total (Counter): Acquires that had to wait for budget
//   - fetcher_rate_limit_wait_seconds (Histogram): Time spent waiting for budget
//   - fetcher_rate_limit_redis_errors_total (Counter): Shared window backend errors
//   - fetcher_rate_limited_round_trips_total (Counter): Requests sent through the limiting transport
//   - osu_rate_limit_remaining (Gauge): Last X-RateLimit-Remaining reported upstream
//
// Request Metrics (pkg/client):
//   - osu_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - osu_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - osu_errors_total{class} (Counter): Errors by class (client, auth, server, rate_limit, network)
//   - osu_credential_refreshes_total{result} (Counter): Token refresh attempts
//
// Retry Metrics (pkg/client):
//   - osu_retries_total{error_class} (Counter): Retry attempts by error class
//   - osu_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - osu_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Scheduler Metrics (pkg/scheduler):
//   - fetcher_queue_depth (Gauge): Requests waiting for a worker
//   - fetcher_active_workers (Gauge): Size of the active set
//   - fetcher_submissions_total{result} (Counter): Submit outcomes
//   - fetcher_removals_total{from} (Counter): Remove outcomes (queue, active, none)
//   - fetcher_workers_finished_total{outcome} (Counter): completed, aborted, removed
//   - fetcher_items_processed_total (Counter): Beatmaps processed
//   - fetcher_scores_fetched_total{mode} (Counter): Scores returned by mode
//   - fetcher_fetch_duration_seconds{outcome} (Histogram): Worker run time
//
// Store Metrics (pkg/store, pkg/checkpoint):
//   - fetcher_store_scores_upserted_total{mode} (Counter)
//   - fetcher_store_upsert_duration_seconds (Histogram)
//   - fetcher_store_errors_total{operation} (Counter)
//   - fetcher_store_open_sessions (Gauge)
//   - fetcher_checkpoints_written_total{backend, reason} (Counter)
//   - fetcher_checkpoint_errors_total{backend, operation} (Counter)
//
// Example Prometheus Queries:
//
//   # Upstream budget usage (calls/min)
//   sum(rate(fetcher_rate_limit_acquired_total[1m])) * 60
//
//   # Abort rate
//   rate(fetcher_workers_finished_total{outcome="aborted"}[15m])
//
//   # Queue backlog
//   fetcher_queue_depth > 0
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(osu_request_duration_seconds_bucket[5m]))
