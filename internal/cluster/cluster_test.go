package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gateway-fm/consensusbench/internal/failure"
	"github.com/gateway-fm/consensusbench/internal/node"
	"github.com/gateway-fm/consensusbench/internal/node/nodetest"
	"github.com/gateway-fm/consensusbench/pkg/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func ids(k int) []string {
	out := make([]string, k)
	for i := range out {
		out[i] = fmt.Sprintf("validator-%d", i)
	}
	return out
}

func fakeConfig(fakes []*nodetest.Fake) Config {
	return Config{
		Identities: ids(len(fakes)),
		NewNode: func(i int, _ node.Ports) (node.Node, error) {
			return fakes[i], nil
		},
		Logger: discard,
	}
}

func TestMeshEdges(t *testing.T) {
	tests := []struct {
		k    int
		want int
	}{
		{0, 0}, {1, 0}, {2, 1}, {3, 3}, {4, 6}, {7, 21},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("k=%d", tt.k), func(t *testing.T) {
			edges := MeshEdges(tt.k)
			if len(edges) != tt.want {
				t.Fatalf("len = %d, want %d", len(edges), tt.want)
			}
			seen := make(map[Edge]bool)
			for _, e := range edges {
				if e.From >= e.To {
					t.Errorf("edge %v not ordered", e)
				}
				if e.To >= tt.k {
					t.Errorf("edge %v out of range", e)
				}
				if seen[e] {
					t.Errorf("edge %v repeated", e)
				}
				seen[e] = true
			}
		})
	}

	want := []Edge{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {1, 3}, {2, 3}}
	if got := MeshEdges(4); !reflect.DeepEqual(got, want) {
		t.Errorf("MeshEdges(4) = %v, want %v", got, want)
	}
}

func TestBuildFullMesh(t *testing.T) {
	fakes := nodetest.NewCluster(4)
	c, err := Build(context.Background(), fakeConfig(fakes))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if c.Size() != 4 || c.Entry() != fakes[0] {
		t.Errorf("Size() = %d, Entry() = %v", c.Size(), c.Entry().Name())
	}
	for _, f := range fakes {
		count, err := f.PeerCount(context.Background())
		if err != nil || count != 3 {
			t.Errorf("%s PeerCount() = %d, %v; want 3", f.Name(), count, err)
		}
	}
}

func TestBuildRejectsDuplicateIdentities(t *testing.T) {
	var created atomic.Int32
	cfg := Config{
		Identities: []string{"a", "b", "a"},
		NewNode: func(i int, _ node.Ports) (node.Node, error) {
			created.Add(1)
			return nil, errors.New("unreachable")
		},
		Logger: discard,
	}
	_, err := Build(context.Background(), cfg)
	if !errors.Is(err, failure.ErrStart) {
		t.Fatalf("error = %v, want ErrStart", err)
	}
	if created.Load() != 0 {
		t.Errorf("%d nodes created before the identity check", created.Load())
	}
}

func TestBuildRejectsEmptyCluster(t *testing.T) {
	if _, err := Build(context.Background(), Config{Logger: discard}); !errors.Is(err, failure.ErrStart) {
		t.Errorf("error = %v, want ErrStart", err)
	}
}

func TestBuildStartFailureStopsStartedNodes(t *testing.T) {
	fakes := nodetest.NewCluster(4)
	fakes[2].StartErr = errors.New("port in use")

	_, err := Build(context.Background(), fakeConfig(fakes))
	if failure.KindOf(err) != types.FailureStart {
		t.Fatalf("KindOf(%v) = %s, want StartFailure", err, failure.KindOf(err))
	}
	for _, f := range fakes {
		if f.State() != types.NodeStopped {
			t.Errorf("%s state = %s, want stopped", f.Name(), f.State())
		}
	}
}

func TestBuildConnectFailureStopsAllNodes(t *testing.T) {
	fakes := nodetest.NewCluster(4)
	fakes[1].ConnectErr = errors.New("handshake timeout")

	c, err := Build(context.Background(), fakeConfig(fakes))
	if c != nil {
		t.Error("expected no cluster on connect failure")
	}
	if failure.KindOf(err) != types.FailureConnect {
		t.Fatalf("KindOf(%v) = %s, want ConnectFailure", err, failure.KindOf(err))
	}
	for _, f := range fakes {
		if f.Stops() == 0 || f.State() != types.NodeStopped {
			t.Errorf("%s not stopped (stops=%d, state=%s)", f.Name(), f.Stops(), f.State())
		}
	}
}

func TestBuildNewNodeFailureStopsCreated(t *testing.T) {
	fakes := nodetest.NewCluster(3)
	cfg := fakeConfig(fakes)
	cfg.NewNode = func(i int, _ node.Ports) (node.Node, error) {
		if i == 2 {
			return nil, errors.New("bad key")
		}
		return fakes[i], nil
	}

	if _, err := Build(context.Background(), cfg); !errors.Is(err, failure.ErrStart) {
		t.Fatalf("error = %v, want ErrStart", err)
	}
	if fakes[0].Stops() != 1 || fakes[1].Stops() != 1 {
		t.Errorf("created nodes not stopped: %d %d", fakes[0].Stops(), fakes[1].Stops())
	}
	if fakes[0].State() != types.NodeStopped {
		t.Errorf("state = %s, want stopped", fakes[0].State())
	}
}

func TestBuildAssignsPorts(t *testing.T) {
	fakes := nodetest.NewCluster(2)
	var got []node.Ports
	cfg := fakeConfig(fakes)
	cfg.AllocatePorts = true
	cfg.BasePort = 40000
	cfg.NewNode = func(i int, p node.Ports) (node.Node, error) {
		got = append(got, p)
		return fakes[i], nil
	}

	if _, err := Build(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	want := []node.Ports{{P2P: 40000, RPC: 40001, Auth: 40002}, {P2P: 40010, RPC: 40011, Auth: 40012}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ports = %v, want %v", got, want)
	}
}

func TestStopJoinsErrors(t *testing.T) {
	fakes := nodetest.NewCluster(3)
	c, err := Build(context.Background(), fakeConfig(fakes))
	if err != nil {
		t.Fatal(err)
	}
	fakes[0].StopErr = errors.New("zombie")
	fakes[2].StopErr = errors.New("busy")

	err = c.Stop(context.Background())
	if !errors.Is(err, failure.ErrTeardown) {
		t.Fatalf("error = %v, want ErrTeardown", err)
	}
	if !errors.Is(err, fakes[0].StopErr) || !errors.Is(err, fakes[2].StopErr) {
		t.Errorf("joined error lost a cause: %v", err)
	}
	for _, f := range fakes {
		if f.State() != types.NodeStopped {
			t.Errorf("%s state = %s, want stopped", f.Name(), f.State())
		}
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestWaitReady(t *testing.T) {
	fakes := nodetest.NewCluster(4)
	c, err := Build(context.Background(), fakeConfig(fakes))
	if err != nil {
		t.Fatal(err)
	}

	rounds := 0
	counts, err := c.WaitReady(context.Background(), GateConfig{
		Interval: time.Millisecond,
		OnRound:  func([]int) { rounds++ },
	})
	if err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	for i, n := range counts {
		if n < 3 {
			t.Errorf("node %d has %d peers after gate", i, n)
		}
	}
	if rounds != 1 {
		t.Errorf("rounds = %d, want 1", rounds)
	}
	for _, f := range fakes {
		if f.State() != types.NodeRunning {
			t.Errorf("%s state = %s, want running", f.Name(), f.State())
		}
	}
}

func TestWaitReadyWaitsForSlowPeer(t *testing.T) {
	fakes := nodetest.NewCluster(3)
	var polls atomic.Int32
	fakes[1].PeerCountHook = func() int {
		if polls.Add(1) < 4 {
			return 1
		}
		return 2
	}

	c, err := Build(context.Background(), fakeConfig(fakes))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.WaitReady(context.Background(), GateConfig{Interval: time.Millisecond, Timeout: time.Second}); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if polls.Load() != 4 {
		t.Errorf("slow node polled %d times, want 4", polls.Load())
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	fakes := nodetest.NewCluster(4)
	fakes[3].PeerCountHook = func() int { return 2 }

	c, err := Build(context.Background(), fakeConfig(fakes))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.WaitReady(context.Background(), GateConfig{Interval: 5 * time.Millisecond, Timeout: 50 * time.Millisecond})
	if failure.KindOf(err) != types.FailureReadinessTimeout {
		t.Fatalf("KindOf(%v) = %s, want ReadinessTimeout", err, failure.KindOf(err))
	}
	for _, f := range fakes {
		if f.State() == types.NodeRunning {
			t.Errorf("%s moved to running on a failed gate", f.Name())
		}
	}
}

func TestWaitReadyCancelled(t *testing.T) {
	fakes := nodetest.NewCluster(2)
	fakes[0].PeerCountErr = errors.New("rpc down")

	c, err := Build(context.Background(), fakeConfig(fakes))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.WaitReady(ctx, GateConfig{Interval: time.Millisecond, Timeout: time.Minute})
	if !errors.Is(err, failure.ErrReadinessTimeout) {
		t.Errorf("error = %v, want ErrReadinessTimeout", err)
	}
}

func TestSingleNodeNeedsNoPeers(t *testing.T) {
	fakes := nodetest.NewCluster(1)
	c, err := Build(context.Background(), fakeConfig(fakes))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.WaitReady(context.Background(), GateConfig{Interval: time.Millisecond}); err != nil {
		t.Errorf("WaitReady() error = %v", err)
	}
}

func TestAllocatePorts(t *testing.T) {
	ports, err := AllocatePorts(4, 0, 0)
	if err != nil {
		t.Fatalf("AllocatePorts() error = %v", err)
	}
	seen := make(map[int]bool)
	for _, p := range ports {
		for _, v := range []int{p.P2P, p.RPC, p.Auth} {
			if v <= 0 {
				t.Errorf("port %d not assigned", v)
			}
			if seen[v] {
				t.Errorf("port %d assigned twice", v)
			}
			seen[v] = true
		}
	}

	if _, err := AllocatePorts(2, 65530, 10); err == nil {
		t.Error("expected error past 65535")
	}
	if _, err := AllocatePorts(2, 30000, 2); err == nil {
		t.Error("expected error for stride below 3")
	}
}
