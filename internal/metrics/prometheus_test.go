package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gateway-fm/consensusbench/pkg/types"
)

func TestRecordRPCLatencyBucketsUnknownMethods(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.RecordRPCLatency("net_peerCount", true, 2*time.Millisecond)
	m.RecordRPCLatency("debug_traceTransaction", false, time.Millisecond)
	m.RecordRPCLatency("txpool_content", false, time.Millisecond)

	if got := testutil.CollectAndCount(m.RPCLatency); got != 2 {
		t.Errorf("series = %d, want 2 (net_peerCount, other)", got)
	}
}

func TestRecordSweep(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())
	names := []string{"node0", "node1"}

	m.RecordSweep(names, []types.FinalityStatus{types.FinalitySuccess, types.FinalityPending})
	m.RecordSweep(names, []types.FinalityStatus{types.FinalitySuccess, types.FinalitySuccess})

	if got := testutil.ToFloat64(m.PollSweeps); got != 2 {
		t.Errorf("sweeps = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.NodeConfirmed.WithLabelValues("node1")); got != 1 {
		t.Errorf("node1 confirmed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FinalityQueries.WithLabelValues("node0", "success")); got != 2 {
		t.Errorf("node0 success observations = %v, want 2", got)
	}
}

func TestRecordResult(t *testing.T) {
	tests := []struct {
		name       string
		res        types.RunResult
		wantTPS    float64
		wantFailed float64
	}{
		{
			name:    "completed",
			res:     types.RunResult{Status: types.StatusCompleted, TPS: 250, ElapsedMs: 40},
			wantTPS: 250,
		},
		{
			name:       "submission failure",
			res:        types.RunResult{Status: types.StatusError, FailureKind: types.FailureSubmission},
			wantFailed: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewPrometheusMetrics(prometheus.NewRegistry())
			m.RecordResult(&tt.res)

			if got := testutil.ToFloat64(m.LastTPS); got != tt.wantTPS {
				t.Errorf("last tps = %v, want %v", got, tt.wantTPS)
			}
			if got := testutil.ToFloat64(m.FailuresTotal.WithLabelValues(string(types.FailureSubmission))); got != tt.wantFailed {
				t.Errorf("submission failures = %v, want %v", got, tt.wantFailed)
			}
			if got := testutil.ToFloat64(m.RunStatus.WithLabelValues(string(tt.res.Status))); got != 1 {
				t.Errorf("status %s gauge = %v, want 1", tt.res.Status, got)
			}
		})
	}
}

func TestRecordStage(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.RecordStage(types.StageBuild, types.StageNone, 0)
	m.RecordStage(types.StageGate, types.StageBuild, 3*time.Second)

	if got := testutil.ToFloat64(m.Stage.WithLabelValues(string(types.StageGate))); got != 1 {
		t.Errorf("gate stage = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Stage.WithLabelValues(string(types.StageBuild))); got != 0 {
		t.Errorf("build stage = %v, want 0", got)
	}
	if got := testutil.CollectAndCount(m.StageDuration); got != 1 {
		t.Errorf("stage duration series = %d, want 1", got)
	}
}

func TestReset(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())
	m.RecordPeerCounts([]string{"node0", "node1"}, []int{1, 1})
	m.ClusterSize.Set(2)

	m.Reset()

	if got := testutil.CollectAndCount(m.PeerCount); got != 0 {
		t.Errorf("peer count series after reset = %d, want 0", got)
	}
	if got := testutil.ToFloat64(m.ClusterSize); got != 0 {
		t.Errorf("cluster size after reset = %v, want 0", got)
	}
}
