// Package metrics exposes the cluster's operational state as Prometheus
// gauges, counters, and histograms, adapted from the teacher's metrics
// package to the Raft engine's own vocabulary of roles, terms, log
// positions, and transactions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Role and term
	Role = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raftkv_role",
			Help: "Whether this node currently holds a given role (1 = current role, 0 = not)",
		},
		[]string{"role"},
	)

	CurrentTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftkv_current_term",
			Help: "Current Raft term as observed by this node",
		},
	)

	PeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftkv_peers_total",
			Help: "Total number of peers in the current cluster configuration, including self",
		},
	)

	// Log and commit position
	LastLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftkv_last_log_index",
			Help: "Highest log index this node holds, applied or not",
		},
	)

	CommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftkv_commit_index",
			Help: "Highest log index known to be committed",
		},
	)

	LastAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftkv_last_applied_index",
			Help: "Highest log index applied to the state machine store",
		},
	)

	// Elections
	ElectionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raftkv_elections_started_total",
			Help: "Total number of elections this node has started as a candidate",
		},
	)

	// Replication
	AppendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raftkv_append_latency_seconds",
			Help:    "Time from sending an AppendRequest to a follower to receiving its response",
			Buckets: prometheus.DefBuckets,
		},
	)

	AppendResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftkv_append_responses_total",
			Help: "Total AppendResponses received, by success/failure",
		},
		[]string{"result"},
	)

	// Transactions
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftkv_transactions_total",
			Help: "Total transactions resolved, by outcome",
		},
		[]string{"outcome"},
	)

	TransactionCommitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raftkv_transaction_commit_latency_seconds",
			Help:    "Time from a transaction's commit submission to its resolution",
			Buckets: prometheus.DefBuckets,
		},
	)

	InFlightTransactions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftkv_in_flight_transactions",
			Help: "Number of transactions currently registered with the coordinator",
		},
	)

	// Snapshots
	SnapshotTransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftkv_snapshot_transfers_total",
			Help: "Total InstallSnapshot transfers, by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	SnapshotTransferDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raftkv_snapshot_transfer_duration_seconds",
			Help:    "Time to send or receive a complete snapshot transfer",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300},
		},
	)

	// Key watches
	ActiveWatchesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftkv_active_watches_total",
			Help: "Number of keys with at least one active watch registered",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Role,
		CurrentTerm,
		PeersTotal,
		LastLogIndex,
		CommitIndex,
		LastAppliedIndex,
		ElectionsStartedTotal,
		AppendLatency,
		AppendResponsesTotal,
		TransactionsTotal,
		TransactionCommitLatency,
		InFlightTransactions,
		SnapshotTransfersTotal,
		SnapshotTransferDuration,
		ActiveWatchesTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to the histogram of vec
// selected by labelValues.
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labelValues ...string) {
	vec.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
