package main

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/consensusbench/internal/config"
	"github.com/gateway-fm/consensusbench/internal/metrics"
	"github.com/gateway-fm/consensusbench/internal/node"
	"github.com/gateway-fm/consensusbench/internal/storage"
	"github.com/gateway-fm/consensusbench/pkg/types"
)

func testApp(t *testing.T, args ...string) *app {
	t.Helper()
	cfg, err := config.Load(args, func(string) string { return "" })
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	a, err := newApp(cfg, metrics.NewPrometheusMetrics(prometheus.NewRegistry()),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	return a
}

func TestPlanOverrides(t *testing.T) {
	a := testApp(t, "-txs", "100", "-submit-rate", "50", "-nodes", "3")

	n := 7
	rate := 0.0
	memoize := true
	tests := []struct {
		name           string
		req            types.StartRunRequest
		wantTxs        int
		wantRate       float64
		wantMemoize    bool
		wantConcurrent bool
	}{
		{"defaults", types.StartRunRequest{}, 100, 50, false, false},
		{"overrides", types.StartRunRequest{NumTransactions: &n, SubmitRate: &rate, Memoize: &memoize}, 7, 0, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bc, snap, err := a.plan(tt.req)
			if err != nil {
				t.Fatalf("plan() error = %v", err)
			}
			if bc.NumTransactions != tt.wantTxs || snap.NumTransactions != tt.wantTxs {
				t.Errorf("transactions = %d/%d, want %d", bc.NumTransactions, snap.NumTransactions, tt.wantTxs)
			}
			if bc.SubmitRate != tt.wantRate || snap.SubmitRate != tt.wantRate {
				t.Errorf("submit rate = %g/%g, want %g", bc.SubmitRate, snap.SubmitRate, tt.wantRate)
			}
			if bc.Memoize != tt.wantMemoize || bc.ConcurrentPoll != tt.wantConcurrent {
				t.Errorf("memoize/concurrent = %v/%v", bc.Memoize, bc.ConcurrentPoll)
			}
			if len(bc.Identities) != 3 || snap.NumNodes != 3 {
				t.Errorf("identities = %d, snapshot nodes = %d, want 3", len(bc.Identities), snap.NumNodes)
			}
			if !bc.AllocatePorts || bc.NewNode == nil || bc.Builder == nil {
				t.Error("process plan is missing ports, node constructor or builder")
			}
			if snap.Profile != config.DefaultProfile {
				t.Errorf("snapshot profile = %q", snap.Profile)
			}
			if bc.Builder.From() != a.faucet.Address {
				t.Errorf("builder signs as %s, want faucet %s", bc.Builder.From().Hex(), a.faucet.Address.Hex())
			}
		})
	}
}

func TestPlanAttached(t *testing.T) {
	a := testApp(t, "-attach", "http://a:8545, http://b:8545", "-sync-sequence")

	bc, snap, err := a.plan(types.StartRunRequest{})
	if err != nil {
		t.Fatalf("plan() error = %v", err)
	}
	if bc.AllocatePorts {
		t.Error("attached plan allocates ports")
	}
	if len(bc.Identities) != 2 || bc.Identities[1] != "http://b:8545" {
		t.Errorf("identities = %v", bc.Identities)
	}
	if bc.SyncNonce == nil {
		t.Error("-sync-sequence did not set SyncNonce")
	}
	if snap.Profile != "" || len(snap.AttachURLs) != 2 {
		t.Errorf("snapshot = %+v", snap)
	}

	n, err := bc.NewNode(1, node.Ports{})
	if err != nil {
		t.Fatalf("NewNode() error = %v", err)
	}
	if n.Endpoint() != "http://b:8545" || n.Index() != 1 {
		t.Errorf("node = %s at %q", n.Name(), n.Endpoint())
	}
}

func TestNewAppValidatorKeys(t *testing.T) {
	cfg, err := config.Load([]string{"-nodes", "2", "-validators", "0x4bbbf85ce3377467afe5d46f804f221813b2bb87f24d81f60f1fcdbf7cbf4356"},
		func(string) string { return "" })
	if err != nil {
		t.Fatal(err)
	}
	if _, err := newApp(cfg, nil, nil); err == nil {
		t.Error("newApp() accepted one validator key for two nodes")
	}
}

func TestRunDir(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	got := runDir("/var/bench", now)
	want := filepath.Join("/var/bench", "consensusbench-20240501-123000.000")
	if got != want {
		t.Errorf("runDir() = %q, want %q", got, want)
	}
	if got := runDir("", now); !strings.HasSuffix(got, "consensusbench-20240501-123000.000") {
		t.Errorf("runDir(\"\") = %q", got)
	}
}

func TestPrintReport(t *testing.T) {
	tests := []struct {
		name    string
		res     *types.RunResult
		want    []string
		notWant []string
	}{
		{
			name: "completed",
			res: &types.RunResult{
				ID:              "run-1",
				Status:          types.StatusCompleted,
				NumNodes:        2,
				NumTransactions: 1000,
				TargetHash:      "0xabc",
				ElapsedMs:       2000,
				TPS:             500,
				Sweeps:          3,
				MeasureStart:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
				MeasureEnd:      time.Date(2024, 5, 1, 12, 0, 2, 0, time.UTC),
				Nodes: []types.NodeResult{
					{Name: "node0", Endpoint: "http://127.0.0.1:8545", PeerCount: 1, LastStatus: types.FinalitySuccess, Queries: 3, SweepSuccess: 3},
					{Name: "node1", Endpoint: "http://127.0.0.1:8555", PeerCount: 1, LastStatus: types.FinalitySuccess, Queries: 2, SweepSuccess: 2},
				},
			},
			want:    []string{"node0", "http://127.0.0.1:8555", "throughput:   500.00 tx/s", "elapsed:      2000.0 ms", "target:       0xabc",
				"start:        2024-05-01T12:00:00Z", "end:          2024-05-01T12:00:02Z"},
			notWant: []string{"failure:"},
		},
		{
			name: "failed",
			res: &types.RunResult{
				ID:              "run-2",
				Status:          types.StatusError,
				NumNodes:        4,
				NumTransactions: 10,
				FailedStage:     types.StageGate,
				FailureKind:     types.FailureReadinessTimeout,
				ErrorMessage:    "node2 has 1 peers",
				TeardownError:   "node3: kill failed",
			},
			want:    []string{"failure:      ReadinessTimeout at readiness: node2 has 1 peers", "teardown:     node3: kill failed"},
			notWant: []string{"throughput:", "NODE", "start:", "end:"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printReport(&buf, tt.res)
			out := buf.String()
			for _, s := range tt.want {
				if !strings.Contains(out, s) {
					t.Errorf("report missing %q:\n%s", s, out)
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(out, s) {
					t.Errorf("report contains %q:\n%s", s, out)
				}
			}
		})
	}
}

func TestWriteHistory(t *testing.T) {
	page := &storage.PaginatedRuns{
		Runs: []storage.Run{
			{RunResult: types.RunResult{ID: "run-b", Status: types.StatusCompleted, NumNodes: 4, NumTransactions: 100, ElapsedMs: 250, TPS: 400}},
			{RunResult: types.RunResult{ID: "run-a", Status: types.StatusError, FailureKind: types.FailureConvergenceTimeout}},
		},
		Total: 5,
		Limit: 2,
	}

	var buf bytes.Buffer
	writeHistory(&buf, page)
	out := buf.String()
	for _, s := range []string{"run-b", "400.00", "ConvergenceTimeout", "2 of 5 runs"} {
		if !strings.Contains(out, s) {
			t.Errorf("history missing %q:\n%s", s, out)
		}
	}
}
