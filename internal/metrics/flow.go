package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	flowOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "charmpay",
			Subsystem: "flow",
			Name:      "operations_total",
			Help:      "Total number of subscription operations",
		},
		[]string{"operation", "status"}, // create/execute/cancel, success/error
	)

	flowOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "charmpay",
			Subsystem: "flow",
			Name:      "operation_duration_seconds",
			Help:      "Time taken to run a subscription operation end to end",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	flowProofAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "charmpay",
			Subsystem: "flow",
			Name:      "proof_attempts_total",
			Help:      "Total number of spell submissions to the prover",
		},
		[]string{"result"}, // accepted, conflict, error
	)

	flowBroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "charmpay",
			Subsystem: "flow",
			Name:      "broadcasts_total",
			Help:      "Total number of transaction broadcasts",
		},
		[]string{"phase", "status"}, // commit/spell, success/error
	)

	flowLastOperationTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "charmpay",
			Subsystem: "flow",
			Name:      "last_operation_timestamp",
			Help:      "Timestamp of the last subscription operation",
		},
	)
)

// Proof attempt results for consistent labeling.
const (
	ProofAccepted = "accepted"
	ProofConflict = "conflict"
	ProofError    = "error"
)

// FlowMetrics provides methods to update orchestration metrics.
type FlowMetrics struct{}

func NewFlowMetrics() *FlowMetrics {
	return &FlowMetrics{}
}

func (fm *FlowMetrics) RecordOperation(operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	flowOperationsTotal.WithLabelValues(operation, status).Inc()
	flowOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	flowLastOperationTimestamp.Set(float64(time.Now().Unix()))
}

func (fm *FlowMetrics) RecordProofAttempt(result string) {
	flowProofAttemptsTotal.WithLabelValues(result).Inc()
}

func (fm *FlowMetrics) RecordBroadcast(phase string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	flowBroadcastsTotal.WithLabelValues(phase, status).Inc()
}
