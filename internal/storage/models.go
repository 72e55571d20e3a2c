// Package storage provides persistence for benchmark run history.
package storage

import (
	"time"

	"github.com/gateway-fm/consensusbench/pkg/types"
)

// Run is a persisted benchmark run: the run result plus the settings it
// was started with.
type Run struct {
	types.RunResult
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Config      *RunConfig `json:"config,omitempty"`
}

// RunConfig is the configuration snapshot captured when a run starts.
type RunConfig struct {
	Profile            string   `json:"profile,omitempty"` // empty for attached clusters
	AttachURLs         []string `json:"attachUrls,omitempty"`
	NumNodes           int      `json:"numNodes"`
	NumTransactions    int      `json:"numTransactions"`
	ChainID            int64    `json:"chainId"`
	LegacyTx           bool     `json:"legacyTx,omitempty"`
	SubmitRate         float64  `json:"submitRate,omitempty"`
	PollIntervalMs     int64    `json:"pollIntervalMs"`
	ConvergenceTimeout int64    `json:"convergenceTimeoutMs"`
	ConcurrentPoll     bool     `json:"concurrentPoll,omitempty"`
	Memoize            bool     `json:"memoize,omitempty"`
}

// PaginatedRuns represents a paginated list of runs, newest first.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}
