// Command consensusbench measures how long a freshly built cluster of
// validator nodes takes to agree on a batch of transfers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gateway-fm/consensusbench/internal/account"
	"github.com/gateway-fm/consensusbench/internal/bench"
	"github.com/gateway-fm/consensusbench/internal/config"
	"github.com/gateway-fm/consensusbench/internal/metrics"
	"github.com/gateway-fm/consensusbench/internal/node"
	"github.com/gateway-fm/consensusbench/internal/rpc"
	"github.com/gateway-fm/consensusbench/internal/storage"
	"github.com/gateway-fm/consensusbench/internal/transport"
	"github.com/gateway-fm/consensusbench/internal/txbuilder"
	"github.com/gateway-fm/consensusbench/pkg/types"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "consensusbench: %v\n", err)
		return 2
	}

	// Logs go to stderr so the report on stdout stays clean.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var store storage.Storage
	if cfg.DatabasePath != "" {
		s, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			logger.Error("failed to initialize storage", "error", err, "path", cfg.DatabasePath)
			return 1
		}
		defer s.Close()
		store = s
		logger.Info("initialized storage", "path", cfg.DatabasePath)
	}

	if cfg.History {
		return printHistory(store, logger)
	}

	a, err := newApp(cfg, metrics.NewPrometheusMetrics(nil), logger)
	if err != nil {
		logger.Error("failed to prepare benchmark", "error", err)
		return 1
	}
	if cfg.Profile != nil {
		logger.Info("resolved node profile",
			"profile", cfg.Profile.Name,
			"binary", a.binary(),
			"legacyTx", cfg.LegacyTx)
	} else {
		logger.Info("attaching to running nodes", "urls", cfg.AttachURLs)
	}

	svc, err := bench.NewService(bench.ServiceConfig{
		Plan:    a.plan,
		Storage: store,
		Metrics: a.metrics,
		Backend: a.probeBackend,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to create benchmark service", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ListenAddr != "" {
		server := transport.NewServer(svc, svc, logger, cfg.CORSAllowedOrigins)
		defer server.Close()

		httpServer := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", "error", err)
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Serve {
		// Runs are started through the API; wait for a signal.
		<-ctx.Done()
		logger.Info("shutting down...")
		svc.StopRun()
		svc.Wait()
		return 0
	}

	res, runErr := svc.Execute(ctx, types.StartRunRequest{})
	if res != nil {
		printReport(os.Stdout, res)
	}
	if runErr != nil {
		logger.Error("benchmark failed", "error", runErr)
		return 1
	}
	return 0
}

// app holds what every run of this process shares.
type app struct {
	cfg        *config.Config
	validators []*account.Account
	faucet     *account.Account
	metrics    *metrics.PrometheusMetrics
	logger     *slog.Logger
}

func newApp(cfg *config.Config, m *metrics.PrometheusMetrics, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, metrics: m, logger: logger}

	if !cfg.Attached() {
		var err error
		if cfg.ValidatorKeys != "" {
			a.validators, err = account.ParseKeys(cfg.ValidatorKeys)
		} else {
			a.validators, err = account.DefaultValidators(cfg.NumNodes)
		}
		if err != nil {
			return nil, fmt.Errorf("validator keys: %w", err)
		}
		if len(a.validators) != cfg.NumNodes {
			return nil, fmt.Errorf("got %d validator keys for %d nodes", len(a.validators), cfg.NumNodes)
		}
	}

	if cfg.FaucetKey != "" {
		faucet, err := account.NewAccountFromHex(cfg.FaucetKey)
		if err != nil {
			return nil, fmt.Errorf("faucet key: %w", err)
		}
		a.faucet = faucet
	} else {
		a.faucet = account.DefaultFaucet()
	}
	return a, nil
}

func (a *app) binary() string {
	if a.cfg.NodeBinary != "" {
		return a.cfg.NodeBinary
	}
	if a.cfg.Profile != nil {
		return a.cfg.Profile.Binary
	}
	return ""
}

// plan applies the request's overrides to the process configuration.
func (a *app) plan(req types.StartRunRequest) (bench.Config, *storage.RunConfig, error) {
	cfg := a.cfg
	numTxs := cfg.NumTransactions
	if req.NumTransactions != nil {
		numTxs = *req.NumTransactions
	}
	submitRate := cfg.SubmitRate
	if req.SubmitRate != nil {
		submitRate = *req.SubmitRate
	}
	concurrentPoll := cfg.ConcurrentPoll
	if req.ConcurrentPoll != nil {
		concurrentPoll = *req.ConcurrentPoll
	}
	memoize := cfg.Memoize
	if req.Memoize != nil {
		memoize = *req.Memoize
	}

	builder, err := txbuilder.New(txbuilder.Config{
		Key:      a.faucet.PrivateKey,
		ChainID:  big.NewInt(cfg.ChainID),
		Amount:   big.NewInt(cfg.Amount),
		Fee:      big.NewInt(cfg.Fee),
		GasLimit: cfg.GasLimit,
		Legacy:   cfg.LegacyTx,
	})
	if err != nil {
		return bench.Config{}, nil, fmt.Errorf("transaction builder: %w", err)
	}

	bc := bench.Config{
		Identities:         a.identities(),
		ReadinessTimeout:   cfg.ReadinessTimeout,
		NumTransactions:    numTxs,
		Builder:            builder,
		NetworkID:          uint64(cfg.ChainID),
		SubmitRate:         submitRate,
		PollInterval:       cfg.PollInterval,
		ConvergenceTimeout: cfg.ConvergenceTimeout,
		ConcurrentPoll:     concurrentPoll,
		Memoize:            memoize,
		Deadline:           cfg.Deadline,
		Metrics:            a.metrics,
		Logger:             a.logger,
	}
	if cfg.SyncSequence {
		bc.SyncNonce = a.syncNonce
	}
	if cfg.Attached() {
		bc.NewNode = a.remoteNode
	} else {
		bc.AllocatePorts = true
		bc.BasePort = cfg.BasePort
		bc.NewNode = a.processNode(runDir(cfg.DataDir, time.Now()))
	}

	snapshot := &storage.RunConfig{
		AttachURLs:         cfg.AttachURLs,
		NumNodes:           len(bc.Identities),
		NumTransactions:    numTxs,
		ChainID:            cfg.ChainID,
		LegacyTx:           cfg.LegacyTx,
		SubmitRate:         submitRate,
		PollIntervalMs:     cfg.PollInterval.Milliseconds(),
		ConvergenceTimeout: cfg.ConvergenceTimeout.Milliseconds(),
		ConcurrentPoll:     concurrentPoll,
		Memoize:            memoize,
	}
	if cfg.Profile != nil {
		snapshot.Profile = cfg.Profile.Name
	}
	return bc, snapshot, nil
}

// identities names the cluster members by validator address, or by URL
// when attaching.
func (a *app) identities() []string {
	if a.cfg.Attached() {
		return append([]string(nil), a.cfg.AttachURLs...)
	}
	ids := make([]string, len(a.validators))
	for i, v := range a.validators {
		ids[i] = v.Address.Hex()
	}
	return ids
}

func (a *app) processNode(rootDir string) func(int, node.Ports) (node.Node, error) {
	return func(index int, ports node.Ports) (node.Node, error) {
		return node.NewProcessNode(node.ProcessConfig{
			Index:          index,
			Profile:        a.cfg.Profile,
			Binary:         a.cfg.NodeBinary,
			Validator:      a.validators[index],
			ChainSpec:      a.cfg.ChainSpec,
			ChainID:        uint64(a.cfg.ChainID),
			Ports:          ports,
			RootDir:        rootDir,
			KeepData:       a.cfg.KeepData,
			StartupTimeout: a.cfg.StartupTimeout,
			Logger:         a.logger,
			RPCObserver:    a.metrics.RecordRPCLatency,
		})
	}
}

func (a *app) remoteNode(index int, _ node.Ports) (node.Node, error) {
	return node.NewRemoteNode(node.RemoteConfig{
		Index:          index,
		URL:            a.cfg.AttachURLs[index],
		StartupTimeout: a.cfg.StartupTimeout,
		Logger:         a.logger,
		RPCObserver:    a.metrics.RecordRPCLatency,
	}), nil
}

func (a *app) syncNonce(ctx context.Context, entry node.Node) (uint64, error) {
	client := rpc.NewHTTPClient(rpc.DefaultClientConfig(entry.Endpoint()))
	defer client.Close()
	return a.faucet.ConfirmedNonce(ctx, client)
}

// probeBackend checks that the node binary exists, or that every attached
// node answers.
func (a *app) probeBackend(ctx context.Context) error {
	if !a.cfg.Attached() {
		if _, err := exec.LookPath(a.binary()); err != nil {
			return fmt.Errorf("node binary: %w", err)
		}
		return nil
	}
	for _, url := range a.cfg.AttachURLs {
		client := rpc.NewHTTPClient(rpc.DefaultClientConfig(url))
		_, err := client.ClientVersion(ctx)
		client.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", url, err)
		}
	}
	return nil
}

// runDir is the parent of one run's node directories.
func runDir(base string, now time.Time) string {
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "consensusbench-"+now.UTC().Format("20060102-150405.000"))
}
