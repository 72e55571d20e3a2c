package bench

import (
	"sync"
	"time"

	"github.com/gateway-fm/consensusbench/pkg/types"
)

// Tracker holds the live progress of one run. It is safe for concurrent
// use: the run goroutine writes, status readers take snapshots.
type Tracker struct {
	mu       sync.RWMutex
	progress types.Progress
	started  time.Time
	now      func() time.Time
}

// NewTracker creates an idle tracker.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{progress: types.Progress{Status: types.StatusIdle}, now: now}
}

func (t *Tracker) begin(runID string, nodes, txs int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = t.now()
	t.progress = types.Progress{
		RunID:           runID,
		Status:          types.StatusRunning,
		NumNodes:        nodes,
		NumTransactions: txs,
	}
}

func (t *Tracker) stage(s types.Stage) {
	t.mu.Lock()
	t.progress.Stage = s
	t.mu.Unlock()
}

func (t *Tracker) generated(done int) {
	t.mu.Lock()
	if done > t.progress.Generated {
		t.progress.Generated = done
	}
	t.mu.Unlock()
}

func (t *Tracker) submitted() {
	t.mu.Lock()
	t.progress.Submitted++
	t.mu.Unlock()
}

func (t *Tracker) sweep(n int, names []string, statuses []types.FinalityStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.Sweeps = n
	t.progress.Confirmed = 0
	if t.progress.NodeStatus == nil {
		t.progress.NodeStatus = make(map[string]types.FinalityStatus, len(names))
	}
	for i, s := range statuses {
		if i < len(names) {
			t.progress.NodeStatus[names[i]] = s
		}
		if s == types.FinalitySuccess {
			t.progress.Confirmed++
		}
	}
}

func (t *Tracker) finish(res *types.RunResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.Status = res.Status
	t.progress.Stage = types.StageDone
	t.progress.Result = res
	t.progress.ElapsedMs = msSince(t.started, t.now())
}

// Snapshot returns a copy of the current progress.
func (t *Tracker) Snapshot() types.Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p := t.progress
	if p.NodeStatus != nil {
		p.NodeStatus = make(map[string]types.FinalityStatus, len(t.progress.NodeStatus))
		for k, v := range t.progress.NodeStatus {
			p.NodeStatus[k] = v
		}
	}
	if p.Status == types.StatusRunning {
		p.ElapsedMs = msSince(t.started, t.now())
	}
	return p
}

func msSince(from, to time.Time) float64 {
	return float64(to.Sub(from)) / float64(time.Millisecond)
}
