// Package injector submits a transaction batch through one entry node in
// strictly descending index order.
package injector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/gateway-fm/consensusbench/internal/batch"
	"github.com/gateway-fm/consensusbench/internal/failure"
	"github.com/gateway-fm/consensusbench/internal/node"
)

// SubmissionError reports the transaction whose submission failed. Indices
// below it were never attempted.
type SubmissionError struct {
	Index int
	Nonce uint64
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("transaction %d (nonce %d): %v", e.Index, e.Nonce, e.Err)
}

func (e *SubmissionError) Unwrap() []error {
	return []error{failure.ErrSubmission, e.Err}
}

// Config configures an Injector.
type Config struct {
	// Rate caps submissions per second; 0 means unlimited.
	Rate float64

	// OnSubmit is called after every accepted submission.
	OnSubmit func(index int, latency time.Duration)

	// Now overrides the clock used for the measurement start.
	Now func() time.Time

	Logger *slog.Logger
}

// Injector submits batches sequentially.
type Injector struct {
	limiter  *rate.Limiter
	onSubmit func(int, time.Duration)
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an Injector.
func New(cfg Config) *Injector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	inj := &Injector{onSubmit: cfg.OnSubmit, now: now, logger: logger}
	if cfg.Rate > 0 {
		inj.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}
	return inj
}

// Inject submits b.Txs[N-1] down to b.Txs[0] through entry, one blocking
// call at a time. The returned time is taken immediately before transaction
// 0 is submitted and is the benchmark's measurement start.
func (inj *Injector) Inject(ctx context.Context, entry node.Node, b *batch.Batch) (time.Time, error) {
	n := b.Len()
	if n == 0 {
		return time.Time{}, fmt.Errorf("%w: empty batch", failure.ErrSubmission)
	}

	inj.logger.Info("injecting transactions",
		slog.Int("count", n),
		slog.String("entry", entry.Name()),
	)

	var measureStart time.Time
	began := time.Now()
	for i := n - 1; i >= 0; i-- {
		tx := b.Txs[i]
		if inj.limiter != nil {
			if err := inj.limiter.Wait(ctx); err != nil {
				return time.Time{}, &SubmissionError{Index: i, Nonce: tx.Nonce, Err: err}
			}
		}
		if err := ctx.Err(); err != nil {
			return time.Time{}, &SubmissionError{Index: i, Nonce: tx.Nonce, Err: err}
		}

		if i == 0 {
			measureStart = inj.now()
			inj.logger.Info("submitting target transaction",
				slog.Time("measureStart", measureStart),
				slog.String("hash", tx.Hash.Hex()),
			)
		}
		sent := time.Now()
		if err := entry.Submit(ctx, tx.Raw); err != nil {
			inj.logger.Error("submission failed",
				slog.Int("index", i),
				slog.Uint64("nonce", tx.Nonce),
				slog.String("error", err.Error()),
			)
			return time.Time{}, &SubmissionError{Index: i, Nonce: tx.Nonce, Err: err}
		}
		if inj.onSubmit != nil {
			inj.onSubmit(i, time.Since(sent))
		}
	}

	inj.logger.Info("all transactions submitted",
		slog.Int("count", n),
		slog.Duration("took", time.Since(began)),
		slog.String("target", b.Target().Hash.Hex()),
	)
	return measureStart, nil
}
