package node

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gateway-fm/consensusbench/internal/rpc"
	"github.com/gateway-fm/consensusbench/pkg/types"
)

// RemoteConfig configures a RemoteNode.
type RemoteConfig struct {
	Index          int
	URL            string
	StartupTimeout time.Duration
	Logger         *slog.Logger
	RPCObserver    rpc.CallObserver
}

// RemoteNode attaches to a node someone else runs. Start only waits for
// the RPC endpoint and Stop only drops the client.
type RemoteNode struct {
	rpcNode
	http           *rpc.HTTPClient
	startupTimeout time.Duration
	logger         *slog.Logger
}

// NewRemoteNode creates a RemoteNode in the Created state.
func NewRemoteNode(cfg RemoteConfig) *RemoteNode {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := fmt.Sprintf("node%d", cfg.Index)
	rpcCfg := rpc.DefaultClientConfig(cfg.URL)
	rpcCfg.Logger = logger
	rpcCfg.Observer = cfg.RPCObserver
	client := rpc.NewHTTPClient(rpcCfg)

	return &RemoteNode{
		rpcNode: rpcNode{
			name:   name,
			index:  cfg.Index,
			client: client,
			url:    cfg.URL,
		},
		http:           client,
		startupTimeout: cfg.StartupTimeout,
		logger:         logger.With(slog.String("node", name)),
	}
}

// Start waits until the endpoint answers web3_clientVersion.
func (n *RemoteNode) Start(ctx context.Context) error {
	if err := n.transition(types.NodeStarting, types.NodeCreated); err != nil {
		return err
	}
	version, err := waitForRPC(ctx, n.http, n.startupTimeout, nil)
	if err != nil {
		n.set(types.NodeStopped)
		n.http.Close()
		return fmt.Errorf("%s at %s: %w", n.name, n.url, err)
	}
	n.logger.Info("attached to node", slog.String("url", n.url), slog.String("version", version))
	return n.transition(types.NodeReady, types.NodeStarting)
}

// Stop releases the RPC client.
func (n *RemoteNode) Stop(ctx context.Context) error {
	if n.State() == types.NodeStopped {
		return nil
	}
	n.set(types.NodeStopped)
	n.http.Close()
	return nil
}

// waitForRPC polls web3_clientVersion until it answers, the timeout passes,
// or exited is closed.
func waitForRPC(ctx context.Context, client rpc.Client, timeout time.Duration, exited <-chan struct{}) (string, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		version, err := client.ClientVersion(ctx)
		if err == nil {
			return version, nil
		}
		lastErr = err

		select {
		case <-exited:
			return "", fmt.Errorf("process exited before answering RPC")
		default:
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("not reachable within %s: %w", timeout, lastErr)
		case <-exited:
			return "", fmt.Errorf("process exited before answering RPC")
		case <-ticker.C:
		}
	}
}
