package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gateway-fm/consensusbench/internal/failure"
)

// Gate defaults.
const (
	DefaultGateInterval     = 500 * time.Millisecond
	DefaultReadinessTimeout = 60 * time.Second
)

// GateConfig configures WaitReady.
type GateConfig struct {
	Interval time.Duration
	Timeout  time.Duration

	// OnRound is called after every round with each node's peer count
	// (-1 when the query failed).
	OnRound func(counts []int)
}

// WaitReady blocks until every node reports at least K-1 peers, then moves
// all nodes to Running. It returns the peer counts of the passing round.
// Running out of time, including cancellation of ctx, is ErrReadinessTimeout.
func (c *Cluster) WaitReady(ctx context.Context, cfg GateConfig) ([]int, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultGateInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultReadinessTimeout
	}
	expected := len(c.nodes) - 1

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	rounds := 0
	for {
		rounds++
		counts, ready := c.peerRound(ctx, expected)
		if cfg.OnRound != nil {
			cfg.OnRound(counts)
		}
		if ready {
			for _, n := range c.nodes {
				if err := n.MarkRunning(); err != nil {
					return counts, fmt.Errorf("%w: %s: %v", failure.ErrReadinessTimeout, n.Name(), err)
				}
			}
			c.logger.Info("readiness gate passed",
				slog.Int("expectedPeers", expected),
				slog.Int("rounds", rounds),
				slog.Duration("took", time.Since(start)),
			)
			return counts, nil
		}

		select {
		case <-ctx.Done():
			reason := ctx.Err()
			if errors.Is(reason, context.DeadlineExceeded) {
				reason = fmt.Errorf("waited %s", time.Since(start).Round(time.Millisecond))
			}
			return counts, fmt.Errorf("%w: want %d peers per node, last counts %v: %v",
				failure.ErrReadinessTimeout, expected, counts, reason)
		case <-ticker.C:
		}
	}
}

// peerRound queries every node once. ready is true only when all nodes
// answered with at least expected peers.
func (c *Cluster) peerRound(ctx context.Context, expected int) ([]int, bool) {
	counts := make([]int, len(c.nodes))
	ready := true
	for i, n := range c.nodes {
		count, err := n.PeerCount(ctx)
		if err != nil {
			c.logger.Debug("peer count query failed", slog.String("node", n.Name()), slog.String("error", err.Error()))
			counts[i] = -1
			ready = false
			continue
		}
		counts[i] = count
		if count < expected {
			ready = false
		}
	}
	return counts, ready
}
