package dispatch

import (
	"github.com/VictoriaMetrics/metrics"
)

// Counters for the dispatch hot path. Exposed via the metrics endpoint of
// the serve command (Prometheus text format).
var (
	metricLocalExecutions = metrics.NewCounter(`dsearch_dispatch_executions_total{mode="local"}`)
	metricForwards        = metrics.NewCounter(`dsearch_dispatch_executions_total{mode="forward"}`)

	metricRetriesBlocked            = metrics.NewCounter(`dsearch_dispatch_retries_total{reason="blocked"}`)
	metricRetriesCoordinatorChanged = metrics.NewCounter(`dsearch_dispatch_retries_total{reason="coordinator_changed"}`)
	metricRetriesConnectivity       = metrics.NewCounter(`dsearch_dispatch_retries_total{reason="connectivity"}`)
	metricRetriesNoCoordinator      = metrics.NewCounter(`dsearch_dispatch_retries_total{reason="no_coordinator"}`)

	metricTimeouts = metrics.NewCounter(`dsearch_dispatch_timeouts_total`)
)
