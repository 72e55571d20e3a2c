// Package bench drives one benchmark run through its stages: build the
// cluster, gate on readiness, generate the batch, inject it, poll for
// convergence and tear everything down.
package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/consensusbench/internal/batch"
	"github.com/gateway-fm/consensusbench/internal/cluster"
	"github.com/gateway-fm/consensusbench/internal/failure"
	"github.com/gateway-fm/consensusbench/internal/injector"
	"github.com/gateway-fm/consensusbench/internal/metrics"
	"github.com/gateway-fm/consensusbench/internal/node"
	"github.com/gateway-fm/consensusbench/internal/poller"
	"github.com/gateway-fm/consensusbench/internal/txbuilder"
	"github.com/gateway-fm/consensusbench/pkg/types"
)

// NonceFunc returns the faucet's confirmed nonce as seen by the entry node.
type NonceFunc func(ctx context.Context, entry node.Node) (uint64, error)

// Config configures a Runner.
type Config struct {
	// Cluster
	Identities    []string
	NewNode       cluster.NewNodeFunc
	AllocatePorts bool
	BasePort      int
	PortStride    int
	StopTimeout   time.Duration

	// Readiness gate
	GateInterval     time.Duration
	ReadinessTimeout time.Duration

	// Batch
	NumTransactions int
	Builder         *txbuilder.Builder
	NetworkID       uint64
	BaseNonce       uint64
	SyncNonce       NonceFunc          // overrides BaseNonce when set
	Workers         int
	Entropy         io.Reader

	// Injection and polling
	SubmitRate         float64
	PollInterval       time.Duration
	ConvergenceTimeout time.Duration
	ConcurrentPoll     bool
	Memoize            bool

	// Deadline bounds the whole run except teardown; 0 disables it.
	Deadline time.Duration
	// RunID names the run; a random UUID is used when empty.
	RunID string

	Tracker *Tracker
	Metrics *metrics.PrometheusMetrics
	Now     func() time.Time
	Logger  *slog.Logger
}

// Runner executes benchmark runs. A Runner is not safe for concurrent Runs.
type Runner struct {
	cfg     Config
	tracker *Tracker
	now     func() time.Time
	logger  *slog.Logger

	stage      types.Stage
	stageStart time.Time
}

// New validates cfg and creates a Runner.
func New(cfg Config) (*Runner, error) {
	if len(cfg.Identities) < 1 {
		return nil, errors.New("at least one node identity is required")
	}
	if cfg.NewNode == nil {
		return nil, errors.New("node constructor is required")
	}
	if cfg.Builder == nil {
		return nil, errors.New("transaction builder is required")
	}
	if cfg.NumTransactions < 0 {
		return nil, fmt.Errorf("transaction count cannot be negative, got %d", cfg.NumTransactions)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = NewTracker(now)
	}
	return &Runner{cfg: cfg, tracker: tracker, now: now, logger: logger}, nil
}

// Tracker returns the tracker the runner reports progress to.
func (r *Runner) Tracker() *Tracker {
	return r.tracker
}

// Run executes one benchmark. The result is always returned, also on
// failure, with the failed stage and kind recorded. The error is a
// *failure.Error. Teardown runs on every path once the cluster is built,
// with its own context, and a teardown error is only surfaced when nothing
// failed before it.
func (r *Runner) Run(ctx context.Context) (*types.RunResult, error) {
	id := r.cfg.RunID
	if id == "" {
		id = uuid.NewString()
	}
	res := &types.RunResult{
		ID:              id,
		Status:          types.StatusRunning,
		StartedAt:       r.now(),
		NumNodes:        len(r.cfg.Identities),
		NumTransactions: r.cfg.NumTransactions,
	}
	logger := r.logger.With(slog.String("run", res.ID))
	r.tracker.begin(res.ID, res.NumNodes, res.NumTransactions)
	if m := r.cfg.Metrics; m != nil {
		m.Reset()
		m.SetRunStatus(types.StatusRunning)
		m.ClusterSize.Set(float64(res.NumNodes))
	}
	r.stage = types.StageNone

	if r.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.cfg.Deadline, failure.ErrDeadline)
		defer cancel()
	}

	logger.Info("benchmark run starting",
		slog.Int("nodes", res.NumNodes),
		slog.Int("transactions", res.NumTransactions),
	)

	r.enter(types.StageBuild)
	cl, err := cluster.Build(ctx, cluster.Config{
		Identities:    r.cfg.Identities,
		NewNode:       r.cfg.NewNode,
		AllocatePorts: r.cfg.AllocatePorts,
		BasePort:      r.cfg.BasePort,
		PortStride:    r.cfg.PortStride,
		StopTimeout:   r.cfg.StopTimeout,
		Logger:        logger,
	})
	if err != nil {
		// Build stops whatever it started before returning.
		return r.finish(logger, res, r.attribute(ctx, failure.New(types.StageBuild, types.FailureStart, err)))
	}
	res.Nodes = nodeResults(cl.Nodes())

	runErr := r.attribute(ctx, r.execute(ctx, logger, cl, res))

	r.enter(types.StageTeardown)
	if err := cl.Stop(context.Background()); err != nil {
		if runErr == nil {
			runErr = failure.New(types.StageTeardown, types.FailureTeardown, err)
		} else {
			res.TeardownError = err.Error()
			logger.Error("teardown failed after an earlier failure", slog.String("error", err.Error()))
		}
	} else {
		logger.Info("all nodes stopped", slog.Int("nodes", cl.Size()))
	}

	return r.finish(logger, res, runErr)
}

// execute runs the stages between build and teardown.
func (r *Runner) execute(ctx context.Context, logger *slog.Logger, cl *cluster.Cluster, res *types.RunResult) error {
	nodes := cl.Nodes()
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name()
	}

	r.enter(types.StageGate)
	counts, err := cl.WaitReady(ctx, cluster.GateConfig{
		Interval: r.cfg.GateInterval,
		Timeout:  r.cfg.ReadinessTimeout,
		OnRound: func(counts []int) {
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.RecordPeerCounts(names, counts)
			}
		},
	})
	for i, c := range counts {
		res.Nodes[i].PeerCount = c
	}
	if err != nil {
		return failure.New(types.StageGate, types.FailureReadinessTimeout, err)
	}

	r.enter(types.StageGenerate)
	base := r.cfg.BaseNonce
	if r.cfg.SyncNonce != nil {
		base, err = r.cfg.SyncNonce(ctx, cl.Entry())
		if err != nil {
			return failure.New(types.StageGenerate, types.FailureGeneration,
				fmt.Errorf("%w: read faucet nonce: %v", failure.ErrGeneration, err))
		}
		logger.Info("using confirmed faucet nonce as base", slog.Uint64("baseNonce", base))
	}
	b, err := batch.Generate(ctx, batch.Config{
		Count:      r.cfg.NumTransactions,
		BaseNonce:  base,
		NetworkID:  r.cfg.NetworkID,
		Builder:    r.cfg.Builder,
		Workers:    r.cfg.Workers,
		Entropy:    r.cfg.Entropy,
		OnProgress: r.tracker.generated,
		Logger:     logger,
	})
	if err != nil {
		return failure.New(types.StageGenerate, types.FailureGeneration, err)
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.TxGenerated.Add(float64(b.Len()))
	}
	target := b.Target()
	if target == nil {
		return failure.New(types.StageGenerate, types.FailureGeneration,
			fmt.Errorf("%w: empty batch has no target transaction", failure.ErrGeneration))
	}
	res.TargetHash = target.Hash.Hex()

	r.enter(types.StageInject)
	latencies := metrics.NewStreamingLatencyStats(nil)
	inj := injector.New(injector.Config{
		Rate: r.cfg.SubmitRate,
		OnSubmit: func(_ int, latency time.Duration) {
			latencies.Add(float64(latency) / float64(time.Millisecond))
			r.tracker.submitted()
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.RecordSubmit(latency)
			}
		},
		Now:    r.now,
		Logger: logger,
	})
	start, err := inj.Inject(ctx, cl.Entry(), b)
	res.SubmitLatency = latencies.GetStats()
	if err != nil {
		return failure.New(types.StageInject, types.FailureSubmission, err)
	}
	res.MeasureStart = start

	r.enter(types.StagePoll)
	p := poller.New(poller.Config{
		Interval:   r.cfg.PollInterval,
		Timeout:    r.cfg.ConvergenceTimeout,
		Concurrent: r.cfg.ConcurrentPoll,
		Memoize:    r.cfg.Memoize,
		OnSweep: func(sweep int, statuses []types.FinalityStatus) {
			r.tracker.sweep(sweep, names, statuses)
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.RecordSweep(names, statuses)
			}
		},
		Now:    r.now,
		Logger: logger,
	})
	pres, err := p.Poll(ctx, nodes, target.Hash)
	if pres != nil {
		res.Sweeps = pres.Sweeps
		applyObservations(res.Nodes, pres.Nodes)
	}
	if err != nil {
		return failure.New(types.StagePoll, types.FailureConvergenceTimeout, err)
	}

	res.MeasureEnd = pres.End
	res.ElapsedMs, res.TPS = Throughput(res.NumTransactions, start, pres.End)
	logger.Info("all nodes converged",
		slog.Float64("elapsedMs", res.ElapsedMs),
		slog.Float64("tps", res.TPS),
		slog.Int("sweeps", res.Sweeps),
	)
	return nil
}

// attribute reports err as a deadline failure when the run deadline, not
// the stage itself, ended the stage.
func (r *Runner) attribute(ctx context.Context, err error) error {
	if err == nil || !errors.Is(context.Cause(ctx), failure.ErrDeadline) {
		return err
	}
	return failure.Deadline(err, r.cfg.Deadline)
}

// Throughput returns the elapsed milliseconds between start and end and
// n*1000/elapsed. A non-positive interval yields zero throughput.
func Throughput(n int, start, end time.Time) (elapsedMs, tps float64) {
	elapsedMs = msSince(start, end)
	if elapsedMs <= 0 {
		return elapsedMs, 0
	}
	return elapsedMs, float64(n) * 1000 / elapsedMs
}

func (r *Runner) enter(stage types.Stage) {
	now := r.now()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordStage(stage, r.stage, now.Sub(r.stageStart))
	}
	r.stage, r.stageStart = stage, now
	r.tracker.stage(stage)
}

func (r *Runner) finish(logger *slog.Logger, res *types.RunResult, err error) (*types.RunResult, error) {
	res.Status = types.StatusCompleted
	if err != nil {
		res.Status = types.StatusError
		res.FailedStage = failure.StageOf(err)
		res.FailureKind = failure.KindOf(err)
		res.ErrorMessage = err.Error()
		logger.Error("benchmark run failed",
			slog.String("stage", string(res.FailedStage)),
			slog.String("kind", string(res.FailureKind)),
			slog.String("error", err.Error()),
		)
	}
	r.enter(types.StageDone)
	r.tracker.finish(res)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordResult(res)
	}
	return res, err
}

func nodeResults(nodes []node.Node) []types.NodeResult {
	out := make([]types.NodeResult, len(nodes))
	for i, n := range nodes {
		out[i] = types.NodeResult{
			Index:      n.Index(),
			Name:       n.Name(),
			Endpoint:   n.Endpoint(),
			PeerCount:  -1,
			LastStatus: types.FinalityPending,
		}
	}
	return out
}

func applyObservations(out []types.NodeResult, obs []poller.NodeObservation) {
	for i := range obs {
		if i >= len(out) {
			return
		}
		out[i].LastStatus = obs[i].Status
		out[i].Queries = obs[i].Queries
		out[i].SweepSuccess = obs[i].ConfirmedSweep
		if !obs[i].ConfirmedAt.IsZero() {
			at := obs[i].ConfirmedAt
			out[i].ConfirmedAt = &at
		}
	}
}
