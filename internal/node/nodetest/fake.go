// Package nodetest provides an in-memory node.Node for tests.
package nodetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/consensusbench/internal/node"
	"github.com/gateway-fm/consensusbench/pkg/types"
)

// Fake is a scriptable node. Hooks must be set before the node is used.
type Fake struct {
	mu    sync.Mutex
	name  string
	index int
	state types.NodeState
	net   *network
	peers map[string]bool

	StartErr     error
	ConnectErr   error
	PeerCountErr error
	StopErr      error

	// PeerCountHook overrides the mesh-derived peer count.
	PeerCountHook func() int

	// SubmitHook decides the outcome of each submission.
	SubmitHook func(raw []byte) error

	// FinalityHook answers finality queries; query counts from 1.
	// Without a hook a node reports success for anything it was sent.
	FinalityHook func(hash common.Hash, query int) types.FinalityStatus

	submitted [][]byte
	queries   int
	stops     int
}

type network struct {
	mu    sync.Mutex
	nodes map[string]*Fake
	log   []string
}

// NewCluster returns k fakes that can connect to each other.
func NewCluster(k int) []*Fake {
	net := &network{nodes: make(map[string]*Fake)}
	fakes := make([]*Fake, k)
	for i := range fakes {
		f := &Fake{
			name:  fmt.Sprintf("node%d", i),
			index: i,
			state: types.NodeCreated,
			net:   net,
			peers: make(map[string]bool),
		}
		net.nodes[f.endpoint()] = f
		fakes[i] = f
	}
	return fakes
}

// Nodes converts fakes to the interface slice.
func Nodes(fakes []*Fake) []node.Node {
	nodes := make([]node.Node, len(fakes))
	for i, f := range fakes {
		nodes[i] = f
	}
	return nodes
}

// Events returns the ordered "start:nodeX"/"stop:nodeX" log shared by the cluster.
func Events(fakes []*Fake) []string {
	if len(fakes) == 0 {
		return nil
	}
	net := fakes[0].net
	net.mu.Lock()
	defer net.mu.Unlock()
	return append([]string(nil), net.log...)
}

func (f *Fake) endpoint() string { return "fake://" + f.name }

func (f *Fake) record(event string) {
	f.net.mu.Lock()
	f.net.log = append(f.net.log, event+":"+f.name)
	f.net.mu.Unlock()
}

func (f *Fake) Name() string     { return f.name }
func (f *Fake) Index() int       { return f.index }
func (f *Fake) Endpoint() string { return f.endpoint() }

func (f *Fake) State() types.NodeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) requireUp(op string) error {
	switch f.State() {
	case types.NodeReady, types.NodeRunning:
		return nil
	}
	return fmt.Errorf("%w: %s on %s while %s", node.ErrInvalidState, op, f.name, f.State())
}

func (f *Fake) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != types.NodeCreated {
		return fmt.Errorf("%w: start while %s", node.ErrInvalidState, f.state)
	}
	f.record("start")
	if f.StartErr != nil {
		f.state = types.NodeStopped
		return f.StartErr
	}
	if err := ctx.Err(); err != nil {
		f.state = types.NodeStopped
		return err
	}
	f.state = types.NodeReady
	return nil
}

func (f *Fake) PeerEndpoint(ctx context.Context) (string, error) {
	if err := f.requireUp("peer endpoint"); err != nil {
		return "", err
	}
	return f.endpoint(), nil
}

func (f *Fake) Connect(ctx context.Context, endpoint string) error {
	if err := f.requireUp("connect"); err != nil {
		return err
	}
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.net.mu.Lock()
	peer, ok := f.net.nodes[endpoint]
	f.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peer %s", endpoint)
	}
	f.mu.Lock()
	f.peers[endpoint] = true
	f.mu.Unlock()
	peer.mu.Lock()
	peer.peers[f.endpoint()] = true
	peer.mu.Unlock()
	return nil
}

func (f *Fake) PeerCount(ctx context.Context) (int, error) {
	if err := f.requireUp("peer count"); err != nil {
		return 0, err
	}
	if f.PeerCountErr != nil {
		return 0, f.PeerCountErr
	}
	if f.PeerCountHook != nil {
		return f.PeerCountHook(), nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers), nil
}

func (f *Fake) MarkRunning() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != types.NodeReady && f.state != types.NodeRunning {
		return fmt.Errorf("%w: mark running while %s", node.ErrInvalidState, f.state)
	}
	f.state = types.NodeRunning
	return nil
}

func (f *Fake) Submit(ctx context.Context, raw []byte) error {
	if err := f.requireUp("submit"); err != nil {
		return err
	}
	if f.SubmitHook != nil {
		if err := f.SubmitHook(raw); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.submitted = append(f.submitted, append([]byte(nil), raw...))
	f.mu.Unlock()
	return nil
}

func (f *Fake) QueryFinality(ctx context.Context, hash common.Hash) (types.FinalityStatus, error) {
	if err := f.requireUp("query finality"); err != nil {
		return types.FinalityPending, err
	}
	f.mu.Lock()
	f.queries++
	query := f.queries
	f.mu.Unlock()
	if f.FinalityHook != nil {
		return f.FinalityHook(hash, query), nil
	}
	return types.FinalitySuccess, nil
}

func (f *Fake) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.state == types.NodeStopped {
		return nil
	}
	f.record("stop")
	f.state = types.NodeStopped
	return f.StopErr
}

// Submitted returns a copy of every accepted envelope in arrival order.
func (f *Fake) Submitted() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.submitted...)
}

// Queries returns how many finality queries the node answered.
func (f *Fake) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// Stops returns how many times Stop was called.
func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

var _ node.Node = (*Fake)(nil)
