// Package node defines the control surface the harness needs from one
// cluster participant and adapters that implement it over JSON-RPC.
package node

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/consensusbench/internal/rpc"
	"github.com/gateway-fm/consensusbench/pkg/types"
)

// ErrInvalidState is returned when an operation is not allowed in the
// node's current lifecycle state.
var ErrInvalidState = errors.New("invalid node state")

// Node is one consensus participant.
type Node interface {
	Name() string
	Index() int
	State() types.NodeState

	// Endpoint returns the RPC URL, empty before the node has one.
	Endpoint() string

	// Start brings the node up and returns once it answers RPC.
	Start(ctx context.Context) error

	// PeerEndpoint returns the address other nodes dial to reach this one.
	PeerEndpoint(ctx context.Context) (string, error)

	// Connect dials a peer.
	Connect(ctx context.Context, endpoint string) error

	PeerCount(ctx context.Context) (int, error)

	// MarkRunning records that the node passed the readiness gate.
	MarkRunning() error

	// Submit hands a signed transaction envelope to the node's pool.
	Submit(ctx context.Context, raw []byte) error

	// QueryFinality reports what the node knows about a transaction.
	QueryFinality(ctx context.Context, hash common.Hash) (types.FinalityStatus, error)

	// Stop releases the node. Safe to call in any state and more than once.
	Stop(ctx context.Context) error
}

// lifecycle guards state transitions.
type lifecycle struct {
	mu    sync.Mutex
	state types.NodeState
}

func (l *lifecycle) State() types.NodeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == "" {
		return types.NodeCreated
	}
	return l.state
}

// transition moves to "to" if the current state is one of "from".
func (l *lifecycle) transition(to types.NodeState, from ...types.NodeState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.state
	if cur == "" {
		cur = types.NodeCreated
	}
	if !slices.Contains(from, cur) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, cur, to)
	}
	l.state = to
	return nil
}

func (l *lifecycle) set(to types.NodeState) {
	l.mu.Lock()
	l.state = to
	l.mu.Unlock()
}

// requireUp fails unless the node is Ready or Running.
func (l *lifecycle) requireUp(op string) error {
	switch s := l.State(); s {
	case types.NodeReady, types.NodeRunning:
		return nil
	default:
		return fmt.Errorf("%w: %s not allowed while %s", ErrInvalidState, op, s)
	}
}

// rpcNode implements the RPC-backed operations shared by the adapters.
type rpcNode struct {
	lifecycle
	name   string
	index  int
	client rpc.Client
	url    string
}

func (n *rpcNode) Name() string     { return n.name }
func (n *rpcNode) Index() int       { return n.index }
func (n *rpcNode) Endpoint() string { return n.url }

func (n *rpcNode) PeerEndpoint(ctx context.Context) (string, error) {
	if err := n.requireUp("peer endpoint"); err != nil {
		return "", err
	}
	info, err := n.client.NodeInfo(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: node info: %w", n.name, err)
	}
	return info.Enode, nil
}

func (n *rpcNode) Connect(ctx context.Context, endpoint string) error {
	if err := n.requireUp("connect"); err != nil {
		return err
	}
	if err := n.client.AddPeer(ctx, endpoint); err != nil {
		return fmt.Errorf("%s: add peer: %w", n.name, err)
	}
	return nil
}

func (n *rpcNode) PeerCount(ctx context.Context) (int, error) {
	if err := n.requireUp("peer count"); err != nil {
		return 0, err
	}
	count, err := n.client.PeerCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: peer count: %w", n.name, err)
	}
	return count, nil
}

func (n *rpcNode) MarkRunning() error {
	return n.transition(types.NodeRunning, types.NodeReady, types.NodeRunning)
}

func (n *rpcNode) Submit(ctx context.Context, raw []byte) error {
	if err := n.requireUp("submit"); err != nil {
		return err
	}
	if err := n.client.SendRawTransaction(ctx, raw); err != nil {
		return fmt.Errorf("%s: send transaction: %w", n.name, err)
	}
	return nil
}

func (n *rpcNode) QueryFinality(ctx context.Context, hash common.Hash) (types.FinalityStatus, error) {
	if err := n.requireUp("query finality"); err != nil {
		return types.FinalityPending, err
	}
	receipt, err := n.client.GetTransactionReceipt(ctx, hash.Hex())
	if err != nil {
		return types.FinalityPending, fmt.Errorf("%s: receipt: %w", n.name, err)
	}
	return statusFromReceipt(receipt), nil
}

func statusFromReceipt(receipt *rpc.TransactionReceipt) types.FinalityStatus {
	switch {
	case receipt == nil:
		return types.FinalityPending
	case receipt.Status == 1:
		return types.FinalitySuccess
	default:
		return types.FinalityFailed
	}
}
