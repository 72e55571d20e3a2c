// Package cluster starts a set of nodes, wires them into a full mesh, gates
// on peer readiness and tears everything down again.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/consensusbench/internal/failure"
	"github.com/gateway-fm/consensusbench/internal/node"
)

// DefaultStopTimeout bounds teardown when the caller's context has none.
const DefaultStopTimeout = 30 * time.Second

// NewNodeFunc creates the handle for node index with its assigned ports.
// Ports are zero when the cluster does not allocate them.
type NewNodeFunc func(index int, ports node.Ports) (node.Node, error)

// Config configures Build.
type Config struct {
	// Identities name the K participants; they must be unique.
	Identities []string

	NewNode NewNodeFunc

	// AllocatePorts assigns ports to each node before it is created.
	AllocatePorts bool
	BasePort      int // 0 picks free ports from the OS
	PortStride    int

	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Edge is one undirected peer link, From < To.
type Edge struct {
	From int
	To   int
}

// MeshEdges returns every unordered pair over k nodes exactly once,
// k*(k-1)/2 edges in lexical order.
func MeshEdges(k int) []Edge {
	if k < 2 {
		return nil
	}
	edges := make([]Edge, 0, k*(k-1)/2)
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			edges = append(edges, Edge{From: i, To: j})
		}
	}
	return edges
}

// Cluster is a started, fully connected set of nodes.
type Cluster struct {
	nodes       []node.Node
	stopTimeout time.Duration
	logger      *slog.Logger
}

// Nodes returns the node handles in index order.
func (c *Cluster) Nodes() []node.Node {
	return c.nodes
}

// Entry returns the node all transactions are submitted through.
func (c *Cluster) Entry() node.Node {
	return c.nodes[0]
}

// Size returns K.
func (c *Cluster) Size() int {
	return len(c.nodes)
}

// Build creates, starts and meshes the nodes. On any failure every node
// that was created is stopped before the error is returned; the error
// carries ErrStart or ErrConnect.
func Build(ctx context.Context, cfg Config) (*Cluster, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	k := len(cfg.Identities)
	if k < 1 {
		return nil, fmt.Errorf("%w: cluster needs at least one node", failure.ErrStart)
	}
	if err := checkUnique(cfg.Identities); err != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrStart, err)
	}
	if cfg.NewNode == nil {
		return nil, fmt.Errorf("%w: no node constructor", failure.ErrStart)
	}

	ports := make([]node.Ports, k)
	if cfg.AllocatePorts {
		var err error
		ports, err = AllocatePorts(k, cfg.BasePort, cfg.PortStride)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", failure.ErrStart, err)
		}
	}

	c := &Cluster{stopTimeout: stopTimeout, logger: logger}
	for i := 0; i < k; i++ {
		n, err := cfg.NewNode(i, ports[i])
		if err != nil {
			err = fmt.Errorf("%w: create node %d: %v", failure.ErrStart, i, err)
			return nil, c.abort(err)
		}
		c.nodes = append(c.nodes, n)
	}

	start := time.Now()
	if err := c.startAll(ctx); err != nil {
		return nil, c.abort(err)
	}
	logger.Info("all nodes started", slog.Int("nodes", k), slog.Duration("took", time.Since(start)))

	if err := c.connectMesh(ctx); err != nil {
		return nil, c.abort(err)
	}
	logger.Info("peer mesh requested", slog.Int("links", len(MeshEdges(k))))
	return c, nil
}

func checkUnique(ids []string) error {
	seen := make(map[string]int, len(ids))
	for i, id := range ids {
		if id == "" {
			return fmt.Errorf("identity %d is empty", i)
		}
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("identity %d duplicates identity %d (%s)", i, prev, id)
		}
		seen[id] = i
	}
	return nil
}

func (c *Cluster) startAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range c.nodes {
		g.Go(func() error {
			if err := n.Start(gctx); err != nil {
				return fmt.Errorf("%w: %s: %v", failure.ErrStart, n.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// connectMesh asks the lower-indexed node of every edge to dial the other.
func (c *Cluster) connectMesh(ctx context.Context) error {
	endpoints := make([]string, len(c.nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range c.nodes {
		g.Go(func() error {
			ep, err := n.PeerEndpoint(gctx)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", failure.ErrConnect, n.Name(), err)
			}
			endpoints[i] = ep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, e := range MeshEdges(len(c.nodes)) {
		from, to := c.nodes[e.From], c.nodes[e.To]
		g.Go(func() error {
			if err := from.Connect(gctx, endpoints[e.To]); err != nil {
				return fmt.Errorf("%w: %s-%s: %v", failure.ErrConnect, from.Name(), to.Name(), err)
			}
			c.logger.Debug("peer link requested", slog.String("from", from.Name()), slog.String("to", to.Name()))
			return nil
		})
	}
	return g.Wait()
}

// abort stops every created node and returns cause, annotated with any
// teardown error.
func (c *Cluster) abort(cause error) error {
	if err := c.Stop(context.Background()); err != nil {
		c.logger.Warn("teardown after failed build", slog.String("error", err.Error()))
	}
	return cause
}

// Stop stops all nodes, continuing past failures. Callers pass a fresh
// context since the run context may already be cancelled.
func (c *Cluster) Stop(ctx context.Context) error {
	return StopAll(ctx, c.nodes, c.stopTimeout, c.logger)
}

// StopAll stops nodes concurrently and joins their errors under ErrTeardown.
func StopAll(ctx context.Context, nodes []node.Node, timeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errs := make([]error, len(nodes))
	var g errgroup.Group
	for i, n := range nodes {
		g.Go(func() error {
			if err := n.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("%s: %w", n.Name(), err)
				logger.Error("failed to stop node", slog.String("node", n.Name()), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", failure.ErrTeardown, err)
	}
	return nil
}
