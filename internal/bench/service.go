package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/consensusbench/internal/metrics"
	"github.com/gateway-fm/consensusbench/internal/storage"
	"github.com/gateway-fm/consensusbench/pkg/types"
)

// ErrRunInProgress is returned when a run is requested while another one
// has not finished.
var ErrRunInProgress = errors.New("benchmark run already in progress")

// persistTimeout bounds each history write.
const persistTimeout = 10 * time.Second

// PlanFunc turns a start request into a runner configuration plus the
// snapshot stored with the run.
type PlanFunc func(req types.StartRunRequest) (Config, *storage.RunConfig, error)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Plan    PlanFunc
	Storage storage.Storage // optional; history is disabled without it
	Metrics *metrics.PrometheusMetrics
	// Backend probes whatever the nodes run on (binary, remote RPC) for
	// readiness checks. Optional.
	Backend func(ctx context.Context) error
	Logger  *slog.Logger
}

// Service runs at most one benchmark at a time, either in the foreground
// or in the background, and keeps the history of finished runs.
type Service struct {
	plan    PlanFunc
	store   storage.Storage
	metrics *metrics.PrometheusMetrics
	backend func(ctx context.Context) error
	logger  *slog.Logger
	tracker *Tracker

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates an idle service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Plan == nil {
		return nil, errors.New("run planner is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics != nil {
		cfg.Metrics.SetRunStatus(types.StatusIdle)
	}
	return &Service{
		plan:    cfg.Plan,
		store:   cfg.Storage,
		metrics: cfg.Metrics,
		backend: cfg.Backend,
		logger:  logger,
		tracker: NewTracker(nil),
	}, nil
}

// Execute runs one benchmark and blocks until it is torn down.
func (s *Service) Execute(ctx context.Context, req types.StartRunRequest) (*types.RunResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runner, snapshot, err := s.begin(req, cancel)
	if err != nil {
		return nil, err
	}
	defer s.end()

	return s.run(ctx, runner, snapshot)
}

// StartRun starts a benchmark in the background. It fails immediately when
// the request cannot be planned or a run is already in progress.
func (s *Service) StartRun(req types.StartRunRequest) error {
	ctx, cancel := context.WithCancel(context.Background())
	runner, snapshot, err := s.begin(req, cancel)
	if err != nil {
		cancel()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.end()
		defer cancel()
		// failures are logged and recorded by the runner
		_, _ = s.run(ctx, runner, snapshot)
	}()
	return nil
}

// StopRun cancels the current run, if any. Teardown still happens.
func (s *Service) StopRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.logger.Info("stopping benchmark run")
		s.cancel()
	}
}

// Wait blocks until the background run, if any, has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Running reports whether a run is in progress.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the live progress of the current or last run.
func (s *Service) Status() types.Progress {
	return s.tracker.Snapshot()
}

// History returns a page of stored runs.
func (s *Service) History(limit, offset int) (*storage.PaginatedRuns, error) {
	if s.store == nil {
		return &storage.PaginatedRuns{Runs: []storage.Run{}, Limit: limit, Offset: offset}, nil
	}
	return s.store.ListRuns(context.Background(), limit, offset)
}

// RunDetail returns one stored run with its node results, or nil.
func (s *Service) RunDetail(id string) (*storage.Run, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.GetRun(context.Background(), id)
}

// DeleteRun removes a stored run.
func (s *Service) DeleteRun(id string) error {
	if s.store == nil {
		return nil
	}
	return s.store.DeleteRun(context.Background(), id)
}

// CheckStorage reports whether run history can be read.
func (s *Service) CheckStorage() error {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.store.ListRuns(ctx, 1, 0)
	return err
}

// CheckBackend probes the node backend.
func (s *Service) CheckBackend() error {
	if s.backend == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.backend(ctx)
}

func (s *Service) begin(req types.StartRunRequest, cancel context.CancelFunc) (*Runner, *storage.RunConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, nil, ErrRunInProgress
	}

	cfg, snapshot, err := s.plan(req)
	if err != nil {
		return nil, nil, fmt.Errorf("plan run: %w", err)
	}
	cfg.RunID = uuid.NewString()
	cfg.Tracker = s.tracker
	if cfg.Metrics == nil {
		cfg.Metrics = s.metrics
	}
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	runner, err := New(cfg)
	if err != nil {
		return nil, nil, err
	}

	s.running = true
	s.cancel = cancel
	return runner, snapshot, nil
}

func (s *Service) end() {
	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
}

func (s *Service) run(ctx context.Context, runner *Runner, snapshot *storage.RunConfig) (*types.RunResult, error) {
	if s.store != nil {
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := s.store.CreateRun(pctx, &storage.Run{
			RunResult: types.RunResult{
				ID:              runner.cfg.RunID,
				Status:          types.StatusRunning,
				StartedAt:       time.Now(),
				NumNodes:        len(runner.cfg.Identities),
				NumTransactions: runner.cfg.NumTransactions,
			},
			Config: snapshot,
		})
		cancel()
		if err != nil {
			s.logger.Warn("failed to record run start", slog.String("error", err.Error()))
		}
	}

	res, err := runner.Run(ctx)

	if s.store != nil && res != nil {
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if perr := s.store.CompleteRun(pctx, res); perr != nil {
			s.logger.Warn("failed to persist run result",
				slog.String("run", res.ID),
				slog.String("error", perr.Error()),
			)
		}
		cancel()
	}
	return res, err
}
