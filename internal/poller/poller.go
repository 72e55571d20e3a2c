// Package poller waits until every node reports the target transaction as
// finalized.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/consensusbench/internal/failure"
	"github.com/gateway-fm/consensusbench/internal/node"
	"github.com/gateway-fm/consensusbench/pkg/types"
)

// Defaults.
const (
	DefaultInterval = 500 * time.Millisecond
	DefaultTimeout  = 10 * time.Minute
)

// Config configures a Poller.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration

	// Concurrent queries all nodes of a sweep in parallel. Otherwise a sweep
	// queries nodes in index order and stops at the first one not reporting
	// success.
	Concurrent bool

	// Memoize skips nodes that already reported success in an earlier sweep.
	Memoize bool

	// OnSweep receives the statuses seen in each sweep. Nodes not queried in
	// that sweep carry their last known status.
	OnSweep func(sweep int, statuses []types.FinalityStatus)

	Now    func() time.Time
	Logger *slog.Logger
}

// NodeObservation is what the poller learned about one node.
type NodeObservation struct {
	Status         types.FinalityStatus
	Queries        int
	ConfirmedSweep int // first sweep that saw success, 0 if none
	ConfirmedAt    time.Time
}

// Result is the outcome of a successful Poll.
type Result struct {
	End    time.Time
	Sweeps int
	Nodes  []NodeObservation

	// Log holds every sweep's statuses in order.
	Log [][]types.FinalityStatus
}

// Poller runs convergence sweeps.
type Poller struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Poller.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{cfg: cfg, now: now, logger: logger}
}

type queryResult struct {
	status types.FinalityStatus
	asked  bool
	err    error
}

// Poll sweeps the nodes until one sweep finds all of them at success. The
// end time is read as soon as that sweep completes. Exceeding the timeout
// or cancellation of ctx wraps ErrConvergenceTimeout; a partial result with
// the observations so far is returned alongside.
func (p *Poller) Poll(ctx context.Context, nodes []node.Node, hash common.Hash) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	res := &Result{Nodes: make([]NodeObservation, len(nodes))}
	for i := range res.Nodes {
		res.Nodes[i].Status = types.FinalityPending
	}
	warned := make([]bool, len(nodes))
	start := p.now()

	for {
		res.Sweeps++
		results := p.sweep(ctx, nodes, hash, res.Nodes)

		complete := true
		for i, r := range results {
			obs := &res.Nodes[i]
			if !r.asked {
				if obs.Status != types.FinalitySuccess {
					complete = false
				}
				continue
			}
			obs.Queries++
			if r.err != nil {
				complete = false
				if ctx.Err() == nil {
					p.logger.Info("node finality",
						slog.String("node", nodes[i].Name()),
						slog.Int("sweep", res.Sweeps),
						slog.String("status", "unknown"),
						slog.String("error", r.err.Error()),
					)
				}
				continue
			}
			p.logger.Info("node finality",
				slog.String("node", nodes[i].Name()),
				slog.Int("sweep", res.Sweeps),
				slog.String("status", string(r.status)),
			)
			p.observe(i, nodes[i].Name(), obs, r.status, res.Sweeps, warned)
			if r.status != types.FinalitySuccess {
				complete = false
			}
		}

		if complete {
			res.End = p.now()
		}

		statuses := make([]types.FinalityStatus, len(nodes))
		for i := range res.Nodes {
			statuses[i] = res.Nodes[i].Status
		}
		res.Log = append(res.Log, statuses)
		if p.cfg.OnSweep != nil {
			p.cfg.OnSweep(res.Sweeps, statuses)
		}

		if complete {
			p.logger.Info("all nodes confirmed target",
				slog.String("hash", hash.Hex()),
				slog.Int("sweeps", res.Sweeps),
				slog.Time("measureEnd", res.End),
				slog.Duration("waited", res.End.Sub(start)),
			)
			return res, nil
		}

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			reason := ctx.Err()
			if errors.Is(reason, context.DeadlineExceeded) {
				reason = fmt.Errorf("no convergence within %s", p.cfg.Timeout)
			}
			return res, fmt.Errorf("%w: %d sweeps, last statuses %v: %v",
				failure.ErrConvergenceTimeout, res.Sweeps, statuses, reason)
		case <-timer.C:
		}
	}
}

// observe folds a fresh answer into obs. Terminal statuses never revert.
func (p *Poller) observe(i int, name string, obs *NodeObservation, status types.FinalityStatus, sweep int, warned []bool) {
	if obs.Status.Terminal() && status != obs.Status {
		p.logger.Warn("node reported a status after a terminal one",
			slog.String("node", name),
			slog.String("previous", string(obs.Status)),
			slog.String("reported", string(status)),
		)
		if status == types.FinalityPending {
			return
		}
	}
	if status == types.FinalitySuccess && obs.ConfirmedSweep == 0 {
		obs.ConfirmedSweep = sweep
		obs.ConfirmedAt = p.now()
	}
	if status == types.FinalityFailed && !warned[i] {
		warned[i] = true
		p.logger.Warn("node reports target transaction failed", slog.String("node", name))
	}
	obs.Status = status
}

func (p *Poller) skip(obs NodeObservation) bool {
	return p.cfg.Memoize && obs.Status == types.FinalitySuccess
}

func (p *Poller) sweep(ctx context.Context, nodes []node.Node, hash common.Hash, prev []NodeObservation) []queryResult {
	results := make([]queryResult, len(nodes))

	if p.cfg.Concurrent {
		var g errgroup.Group
		for i, n := range nodes {
			if p.skip(prev[i]) {
				continue
			}
			g.Go(func() error {
				status, err := n.QueryFinality(ctx, hash)
				results[i] = queryResult{status: status, asked: true, err: err}
				return nil
			})
		}
		g.Wait()
		return results
	}

	for i, n := range nodes {
		if p.skip(prev[i]) {
			continue
		}
		status, err := n.QueryFinality(ctx, hash)
		results[i] = queryResult{status: status, asked: true, err: err}
		if err != nil || status != types.FinalitySuccess {
			break
		}
	}
	return results
}
