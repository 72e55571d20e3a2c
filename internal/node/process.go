package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/gateway-fm/consensusbench/internal/account"
	"github.com/gateway-fm/consensusbench/internal/execnode"
	"github.com/gateway-fm/consensusbench/internal/rpc"
	"github.com/gateway-fm/consensusbench/pkg/types"
)

// Default process timeouts.
const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultStopTimeout    = 10 * time.Second
)

const (
	keyFileName      = "validator.key"
	passwordFileName = "password.txt"
	logFileName      = "node.log"
	keyPassword      = "consensusbench"
)

// Ports are the listening ports assigned to one node.
type Ports struct {
	P2P  int
	RPC  int
	Auth int
}

// ProcessConfig configures a ProcessNode.
type ProcessConfig struct {
	Index     int
	Profile   *execnode.Profile
	Binary    string // overrides Profile.Binary
	Validator *account.Account
	ChainSpec string
	ChainID   uint64
	Ports     Ports

	// RootDir is the per-run directory; the node uses RootDir/<name>.
	RootDir  string
	KeepData bool

	StartupTimeout time.Duration
	StopTimeout    time.Duration
	Logger         *slog.Logger
	RPCObserver    rpc.CallObserver
}

// ProcessNode runs a node binary as a child process.
type ProcessNode struct {
	rpcNode
	cfg     ProcessConfig
	http    *rpc.HTTPClient
	dataDir string
	logger  *slog.Logger

	procMu  sync.Mutex
	cmd     *exec.Cmd
	logFile *os.File
	exited  chan struct{}
	waitErr error
}

// NewProcessNode creates a ProcessNode in the Created state. Nothing is
// spawned until Start.
func NewProcessNode(cfg ProcessConfig) (*ProcessNode, error) {
	if cfg.Profile == nil {
		return nil, fmt.Errorf("node profile is required")
	}
	if cfg.Validator == nil && cfg.Profile.UsesValidatorKey {
		return nil, fmt.Errorf("profile %s needs a validator key", cfg.Profile.Name)
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	name := fmt.Sprintf("node%d", cfg.Index)
	url := fmt.Sprintf("http://127.0.0.1:%d", cfg.Ports.RPC)
	rpcCfg := rpc.DefaultClientConfig(url)
	rpcCfg.Logger = logger
	rpcCfg.Observer = cfg.RPCObserver
	client := rpc.NewHTTPClient(rpcCfg)

	return &ProcessNode{
		rpcNode: rpcNode{
			name:   name,
			index:  cfg.Index,
			client: client,
			url:    url,
		},
		cfg:     cfg,
		http:    client,
		dataDir: filepath.Join(cfg.RootDir, name),
		logger:  logger.With(slog.String("node", name)),
	}, nil
}

// DataDir returns the node's data directory.
func (n *ProcessNode) DataDir() string {
	return n.dataDir
}

// Start prepares the data directory, runs the profile's setup steps, spawns
// the node and waits for it to answer RPC. On failure the process is killed
// and the node is left Stopped.
func (n *ProcessNode) Start(ctx context.Context) error {
	if err := n.transition(types.NodeStarting, types.NodeCreated); err != nil {
		return err
	}

	if err := n.start(ctx); err != nil {
		n.logger.Error("node failed to start", slog.String("error", err.Error()))
		if stopErr := n.shutdown(context.WithoutCancel(ctx)); stopErr != nil {
			n.logger.Warn("cleanup after failed start", slog.String("error", stopErr.Error()))
		}
		return fmt.Errorf("%s: %w", n.name, err)
	}
	return n.transition(types.NodeReady, types.NodeStarting)
}

func (n *ProcessNode) start(ctx context.Context) error {
	params, err := n.prepareDataDir()
	if err != nil {
		return err
	}

	setup, run, err := n.cfg.Profile.Render(n.cfg.Binary, params)
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(filepath.Join(n.dataDir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open node log: %w", err)
	}
	n.procMu.Lock()
	n.logFile = logFile
	n.procMu.Unlock()

	for _, step := range setup {
		cmd := exec.CommandContext(ctx, step.Binary, step.Args...)
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("setup %s %v: %w", step.Binary, step.Args, err)
		}
	}

	cmd := exec.Command(run.Binary, run.Args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", run.Binary, err)
	}

	exited := make(chan struct{})
	n.procMu.Lock()
	n.cmd = cmd
	n.exited = exited
	n.procMu.Unlock()

	go func() {
		err := cmd.Wait()
		n.procMu.Lock()
		n.waitErr = err
		n.procMu.Unlock()
		close(exited)
	}()

	n.logger.Info("node process started",
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("rpcPort", n.cfg.Ports.RPC),
		slog.Int("p2pPort", n.cfg.Ports.P2P),
	)

	version, err := waitForRPC(ctx, n.http, n.cfg.StartupTimeout, exited)
	if err != nil {
		n.procMu.Lock()
		waitErr := n.waitErr
		n.procMu.Unlock()
		if waitErr != nil {
			return fmt.Errorf("%w (%v), see %s", err, waitErr, filepath.Join(n.dataDir, logFileName))
		}
		return err
	}
	n.logger.Info("node answering RPC", slog.String("version", version))
	return nil
}

func (n *ProcessNode) prepareDataDir() (execnode.Params, error) {
	if err := os.MkdirAll(n.dataDir, 0o755); err != nil {
		return execnode.Params{}, fmt.Errorf("create data dir: %w", err)
	}
	params := execnode.Params{
		DataDir:      n.dataDir,
		ChainSpec:    n.cfg.ChainSpec,
		ChainID:      n.cfg.ChainID,
		P2PPort:      n.cfg.Ports.P2P,
		RPCPort:      n.cfg.Ports.RPC,
		AuthPort:     n.cfg.Ports.Auth,
		KeyFile:      filepath.Join(n.dataDir, keyFileName),
		PasswordFile: filepath.Join(n.dataDir, passwordFileName),
	}
	if n.cfg.Validator != nil {
		params.Address = n.cfg.Validator.Address.Hex()
		if err := os.WriteFile(params.KeyFile, []byte(n.cfg.Validator.KeyHex()), 0o600); err != nil {
			return execnode.Params{}, fmt.Errorf("write key file: %w", err)
		}
	}
	if err := os.WriteFile(params.PasswordFile, []byte(keyPassword), 0o600); err != nil {
		return execnode.Params{}, fmt.Errorf("write password file: %w", err)
	}
	return params, nil
}

// Stop interrupts the process, kills it after the stop timeout and removes
// the data directory unless KeepData is set.
func (n *ProcessNode) Stop(ctx context.Context) error {
	if n.State() == types.NodeStopped {
		return nil
	}
	n.set(types.NodeStopped)
	if err := n.shutdown(ctx); err != nil {
		return fmt.Errorf("%s: %w", n.name, err)
	}
	n.logger.Info("node stopped")
	return nil
}

// shutdown is the shared release path of Stop and a failed Start.
func (n *ProcessNode) shutdown(ctx context.Context) error {
	n.set(types.NodeStopped)

	n.procMu.Lock()
	cmd, exited, logFile := n.cmd, n.exited, n.logFile
	n.cmd, n.logFile = nil, nil
	n.procMu.Unlock()

	var errs []error
	if cmd != nil && cmd.Process != nil {
		if err := terminate(ctx, cmd, exited, n.cfg.StopTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	n.http.Close()
	if logFile != nil {
		if err := logFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close node log: %w", err))
		}
	}
	if !n.cfg.KeepData {
		if err := os.RemoveAll(n.dataDir); err != nil {
			errs = append(errs, fmt.Errorf("remove data dir: %w", err))
		}
	}
	return errors.Join(errs...)
}

// terminate sends SIGINT and escalates to SIGKILL after timeout, or at once
// when ctx ends first.
func terminate(ctx context.Context, cmd *exec.Cmd, exited <-chan struct{}, timeout time.Duration) error {
	select {
	case <-exited:
		return nil
	default:
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		if killErr := cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			return fmt.Errorf("kill pid %d: %w", cmd.Process.Pid, killErr)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var cut error
	select {
	case <-exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
		cut = ctx.Err()
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", cmd.Process.Pid, err)
	}
	if cut != nil {
		return fmt.Errorf("pid %d killed before graceful exit: %w", cmd.Process.Pid, cut)
	}
	timer.Reset(timeout)
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pid %d: wait after SIGKILL: %w", cmd.Process.Pid, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("pid %d did not exit after SIGKILL", cmd.Process.Pid)
	}
}
