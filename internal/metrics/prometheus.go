package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/consensusbench/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics for the benchmark.
type PrometheusMetrics struct {
	// Counters
	RunsTotal       *prometheus.CounterVec
	TxGenerated     prometheus.Counter
	TxSubmitted     prometheus.Counter
	PollSweeps      prometheus.Counter
	FinalityQueries *prometheus.CounterVec
	FailuresTotal   *prometheus.CounterVec

	// Gauges
	RunStatus     *prometheus.GaugeVec
	Stage         *prometheus.GaugeVec
	ClusterSize   prometheus.Gauge
	PeerCount     *prometheus.GaugeVec
	NodeConfirmed *prometheus.GaugeVec
	LastTPS       prometheus.Gauge
	LastElapsed   prometheus.Gauge

	// Histograms
	SubmitLatency prometheus.Histogram
	RPCLatency    *prometheus.HistogramVec
	StageDuration *prometheus.HistogramVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensusbench_runs_total",
				Help: "Benchmark runs by final status",
			},
			[]string{"status"},
		),

		TxGenerated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "consensusbench_transactions_generated_total",
				Help: "Signed transactions generated",
			},
		),

		TxSubmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "consensusbench_transactions_submitted_total",
				Help: "Transactions accepted by the entry node",
			},
		),

		PollSweeps: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "consensusbench_poll_sweeps_total",
				Help: "Convergence poll sweeps",
			},
		),

		FinalityQueries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensusbench_finality_observations_total",
				Help: "Finality statuses observed per node",
			},
			[]string{"node", "status"},
		),

		FailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensusbench_failures_total",
				Help: "Fatal run failures by kind",
			},
			[]string{"kind"},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "consensusbench_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		Stage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "consensusbench_stage",
				Help: "Current pipeline stage (1 if active, 0 otherwise)",
			},
			[]string{"stage"},
		),

		ClusterSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "consensusbench_cluster_nodes",
				Help: "Nodes in the current cluster",
			},
		),

		PeerCount: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "consensusbench_peer_count",
				Help: "Peers reported by each node during the readiness gate",
			},
			[]string{"node"},
		),

		NodeConfirmed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "consensusbench_node_confirmed",
				Help: "1 once a node reports the target transaction as successful",
			},
			[]string{"node"},
		),

		LastTPS: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "consensusbench_last_tps",
				Help: "Throughput of the last completed run",
			},
		),

		LastElapsed: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "consensusbench_last_elapsed_seconds",
				Help: "Measured interval of the last completed run",
			},
		),

		SubmitLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "consensusbench_submit_latency_seconds",
				Help:    "Round-trip latency of transaction submissions to the entry node",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
			},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consensusbench_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "status"},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consensusbench_stage_duration_seconds",
				Help:    "Wall-clock time spent per pipeline stage",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"stage"},
		),
	}
}

// knownRPCMethods is a fixed set of known RPC methods to prevent cardinality explosion
var knownRPCMethods = map[string]bool{
	"web3_clientVersion":        true,
	"net_peerCount":             true,
	"admin_nodeInfo":            true,
	"admin_addPeer":             true,
	"eth_sendRawTransaction":    true,
	"eth_getTransactionReceipt": true,
	"eth_getTransactionCount":   true,
	"eth_blockNumber":           true,
}

// RecordRPCLatency records RPC call latency. Its signature matches
// rpc.CallObserver.
func (m *PrometheusMetrics) RecordRPCLatency(method string, success bool, latency time.Duration) {
	bucketedMethod := method
	if !knownRPCMethods[method] {
		bucketedMethod = "other"
	}

	status := "success"
	if !success {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(bucketedMethod, status).Observe(latency.Seconds())
}

// RecordSubmit records one accepted submission.
func (m *PrometheusMetrics) RecordSubmit(latency time.Duration) {
	m.TxSubmitted.Inc()
	m.SubmitLatency.Observe(latency.Seconds())
}

// RecordStage marks stage as the active one and records how long the
// previous stage took.
func (m *PrometheusMetrics) RecordStage(stage types.Stage, previous types.Stage, took time.Duration) {
	if previous != types.StageNone {
		m.StageDuration.WithLabelValues(string(previous)).Observe(took.Seconds())
	}
	for _, s := range []types.Stage{
		types.StageBuild, types.StageGate, types.StageGenerate, types.StageInject,
		types.StagePoll, types.StageTeardown, types.StageDone,
	} {
		if s == stage {
			m.Stage.WithLabelValues(string(s)).Set(1)
		} else {
			m.Stage.WithLabelValues(string(s)).Set(0)
		}
	}
}

// RecordPeerCounts records one readiness round.
func (m *PrometheusMetrics) RecordPeerCounts(names []string, counts []int) {
	for i, name := range names {
		if i < len(counts) {
			m.PeerCount.WithLabelValues(name).Set(float64(counts[i]))
		}
	}
}

// RecordSweep records one convergence sweep.
func (m *PrometheusMetrics) RecordSweep(names []string, statuses []types.FinalityStatus) {
	m.PollSweeps.Inc()
	for i, name := range names {
		if i >= len(statuses) {
			break
		}
		m.FinalityQueries.WithLabelValues(name, string(statuses[i])).Inc()
		if statuses[i] == types.FinalitySuccess {
			m.NodeConfirmed.WithLabelValues(name).Set(1)
		} else {
			m.NodeConfirmed.WithLabelValues(name).Set(0)
		}
	}
}

// RecordResult records the outcome of a finished run.
func (m *PrometheusMetrics) RecordResult(res *types.RunResult) {
	m.RunsTotal.WithLabelValues(string(res.Status)).Inc()
	if res.FailureKind != types.FailureNone {
		m.FailuresTotal.WithLabelValues(string(res.FailureKind)).Inc()
	}
	if res.Status == types.StatusCompleted {
		m.LastTPS.Set(res.TPS)
		m.LastElapsed.Set(res.ElapsedMs / 1000)
	}
	m.SetRunStatus(res.Status)
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status types.RunStatus) {
	for _, s := range []types.RunStatus{types.StatusIdle, types.StatusRunning, types.StatusCompleted, types.StatusError} {
		if s == status {
			m.RunStatus.WithLabelValues(string(s)).Set(1)
		} else {
			m.RunStatus.WithLabelValues(string(s)).Set(0)
		}
	}
}

// Reset clears per-run series before a new run.
// Histograms are cumulative and left alone.
func (m *PrometheusMetrics) Reset() {
	m.PeerCount.Reset()
	m.NodeConfirmed.Reset()
	m.FinalityQueries.Reset()
	m.Stage.Reset()
	m.ClusterSize.Set(0)
}
