// Package metrics provides Prometheus instrumentation for windist nodes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RowsProcessed counts rows consumed by each kernel.
	RowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windist_rows_processed_total",
		Help: "Total number of rows consumed by kernel",
	}, []string{"node", "kernel_id", "kernel_name"})

	// RowsEmitted counts rows pushed downstream by each kernel.
	RowsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windist_rows_emitted_total",
		Help: "Total number of rows emitted by kernel",
	}, []string{"node", "kernel_id", "kernel_name"})

	// BatchesProcessed counts batches consumed by each kernel.
	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windist_batches_processed_total",
		Help: "Total number of batches consumed by kernel",
	}, []string{"node", "kernel_id", "kernel_name"})

	// BatchLatency tracks per-batch window computation latency.
	BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "windist_batch_latency_seconds",
		Help:    "Latency of per-batch window computation in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"node", "kernel_id"})

	// Errors counts fatal kernel errors.
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windist_errors_total",
		Help: "Total number of fatal kernel errors",
	}, []string{"node", "kernel_id"})

	// MessagesSent counts messages handed to the transport, by message id prefix.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windist_messages_sent_total",
		Help: "Total number of inter-node messages sent",
	}, []string{"node", "message"})

	// MessagesReceived counts messages routed to a local cache.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windist_messages_received_total",
		Help: "Total number of inter-node messages received",
	}, []string{"node", "cache"})

	// ProtocolDrops counts stray, duplicate or misrouted messages that were dropped.
	ProtocolDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windist_protocol_drops_total",
		Help: "Total number of messages dropped as protocol errors",
	}, []string{"node", "reason"})

	// OverlapRequests counts overlap requests issued for a node's own batches.
	OverlapRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windist_overlap_requests_total",
		Help: "Total number of overlap requests issued",
	}, []string{"node", "side"})

	// OverlapRelays counts requests forwarded to a further node because the
	// local data could not satisfy them.
	OverlapRelays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windist_overlap_relays_total",
		Help: "Total number of cascaded overlap requests",
	}, []string{"node", "side"})

	// OverlapWait tracks how long a batch waited for remote overlap.
	OverlapWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "windist_overlap_wait_seconds",
		Help:    "Time from issuing an overlap request to receiving its response",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"node", "side"})

	// StatusTransitions counts overlap status changes.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windist_overlap_status_transitions_total",
		Help: "Total number of overlap status transitions",
	}, []string{"node", "side", "status"})
)

// ServeMetrics starts an HTTP server on the given address to serve
// Prometheus metrics at /metrics.
func ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go server.ListenAndServe()
	return server
}
