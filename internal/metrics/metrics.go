package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPC metrics
	rpcRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocksyncd_rpc_requests_total",
			Help: "Total number of RPC requests by method",
		},
		[]string{"method"},
	)

	rpcErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocksyncd_rpc_errors_total",
			Help: "Total number of RPC errors by method and type",
		},
		[]string{"method", "error_type"},
	)

	rpcDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blocksyncd_rpc_request_duration_seconds",
			Help:    "Duration of RPC requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	rpcRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocksyncd_rpc_retries_total",
			Help: "Total number of RPC retries by operation",
		},
		[]string{"operation"},
	)

	// Database metrics
	dbQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocksyncd_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation"},
	)

	dbQueryTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blocksyncd_db_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	dbErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocksyncd_db_errors_total",
			Help: "Total number of database errors",
		},
		[]string{"operation", "error_type"},
	)

	// Sync metrics
	blocksIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blocksyncd_blocks_indexed_total",
			Help: "Total number of blocks committed to the store",
		},
	)

	transfersIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blocksyncd_transfers_indexed_total",
			Help: "Total number of transfer logs committed to the store",
		},
	)

	reorgsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blocksyncd_reorgs_detected_total",
			Help: "Total number of chain reorganizations detected",
		},
	)

	reorgDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blocksyncd_reorg_depth_blocks",
			Help:    "Depth of detected reorganizations in blocks",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1000},
		},
	)

	localTip = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blocksyncd_local_tip_block",
			Help: "Highest block number committed locally",
		},
	)

	chainTip = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blocksyncd_chain_tip_block",
			Help: "Latest block number observed on chain",
		},
	)

	syncLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blocksyncd_sync_lag_blocks",
			Help: "Blocks between the sync target and the local tip",
		},
	)

	consecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blocksyncd_consecutive_batch_failures",
			Help: "Consecutive failed batches since the last success",
		},
	)

	// System metrics
	uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blocksyncd_uptime_seconds",
			Help: "Process uptime in seconds",
		},
	)

	componentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blocksyncd_component_health",
			Help: "Component health status (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)

	goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blocksyncd_goroutines",
			Help: "Number of active goroutines",
		},
	)

	memoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blocksyncd_memory_usage_bytes",
			Help: "Memory usage statistics",
		},
		[]string{"type"},
	)

	startTime = time.Now()
)

func RPCRequestInc(method string) {
	rpcRequests.WithLabelValues(method).Inc()
}

func RPCRequestDuration(method string, duration time.Duration) {
	rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RPCErrorInc(method, errorType string) {
	rpcErrors.WithLabelValues(method, errorType).Inc()
}

func RPCRetryInc(operation string) {
	rpcRetries.WithLabelValues(operation).Inc()
}

func DBQueryInc(operation string) {
	dbQueries.WithLabelValues(operation).Inc()
}

func DBQueryDuration(operation string, duration time.Duration) {
	dbQueryTime.WithLabelValues(operation).Observe(duration.Seconds())
}

func DBErrorInc(operation, errorType string) {
	dbErrors.WithLabelValues(operation, errorType).Inc()
}

func BlocksIndexedAdd(count int) {
	blocksIndexed.Add(float64(count))
}

func TransfersIndexedAdd(count int) {
	transfersIndexed.Add(float64(count))
}

func ReorgDetected(depth uint64) {
	reorgsDetected.Inc()
	reorgDepth.Observe(float64(depth))
}

func LocalTipSet(blockNum uint64) {
	localTip.Set(float64(blockNum))
}

func ChainTipSet(blockNum uint64) {
	chainTip.Set(float64(blockNum))
}

func SyncLagSet(lag uint64) {
	syncLag.Set(float64(lag))
}

func ConsecutiveFailuresSet(count int) {
	consecutiveFailures.Set(float64(count))
}

func ComponentHealthSet(component string, healthy bool) {
	value := float64(1)
	if !healthy {
		value = 0
	}
	componentHealth.WithLabelValues(component).Set(value)
}

// UptimeSeconds returns how long the process has been running.
func UptimeSeconds() float64 {
	return time.Since(startTime).Seconds()
}

// UpdateSystemMetrics refreshes runtime gauges. Called periodically by the
// supervisor's health server.
func UpdateSystemMetrics() {
	uptime.Set(UptimeSeconds())
	goroutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	memoryUsage.WithLabelValues("total_alloc").Set(float64(m.TotalAlloc))
	memoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	memoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}
