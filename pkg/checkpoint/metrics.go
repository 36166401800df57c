package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckpointsWritten tracks checkpoints persisted by backend and reason
	CheckpointsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_checkpoints_written_total",
			Help: "Total number of checkpoints written",
		},
		[]string{"backend", "reason"},
	)

	// CheckpointErrors tracks checkpoint backend errors by operation
	CheckpointErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_checkpoint_errors_total",
			Help: "Total number of checkpoint backend errors",
		},
		[]string{"backend", "operation"}, // "save", "get", "list"
	)
)
