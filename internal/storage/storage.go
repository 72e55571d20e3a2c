package storage

import (
	"context"

	"github.com/gateway-fm/consensusbench/pkg/types"
)

// Storage defines the persistence interface for benchmark run history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, res *types.RunResult) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error

	// Lifecycle
	Close() error
}
