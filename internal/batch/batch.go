// Package batch generates the signed transaction batch the benchmark
// injects.
package batch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/consensusbench/internal/account"
	"github.com/gateway-fm/consensusbench/internal/failure"
	"github.com/gateway-fm/consensusbench/internal/txbuilder"
)

// Transaction is one signed transfer. It is never modified after Generate
// returns it.
type Transaction struct {
	Index  int
	Nonce  uint64
	From   common.Address
	To     account.Address
	Amount *big.Int
	Hash   common.Hash
	Raw    []byte
}

// Batch holds transactions indexed by position: Txs[i].Nonce == BaseNonce+i.
type Batch struct {
	Txs       []*Transaction
	BaseNonce uint64
}

// Len returns the number of transactions.
func (b *Batch) Len() int {
	return len(b.Txs)
}

// Target returns transaction 0, the one submitted last, or nil for an
// empty batch.
func (b *Batch) Target() *Transaction {
	if len(b.Txs) == 0 {
		return nil
	}
	return b.Txs[0]
}

// Config configures Generate.
type Config struct {
	Count     int
	BaseNonce uint64
	NetworkID uint64
	Builder   *txbuilder.Builder

	// Workers bounds parallel signing; 0 uses GOMAXPROCS.
	Workers int

	// Entropy feeds recipient secrets; nil uses crypto/rand.
	Entropy io.Reader

	// OnProgress receives the running count of signed transactions.
	OnProgress func(done int)

	Logger *slog.Logger
}

// lockedReader serialises reads from a caller-supplied entropy source.
type lockedReader struct {
	mu sync.Mutex
	r  io.Reader
}

func (l *lockedReader) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Read(p)
}

// Generate builds Count transactions. Signing runs in parallel, but slot i
// always holds nonce BaseNonce+i. Any failure discards the whole batch and
// wraps ErrGeneration.
func Generate(ctx context.Context, cfg Config) (*Batch, error) {
	if cfg.Count < 0 {
		return nil, fmt.Errorf("%w: negative transaction count %d", failure.ErrGeneration, cfg.Count)
	}
	if cfg.Builder == nil {
		return nil, fmt.Errorf("%w: no transaction builder", failure.ErrGeneration)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var entropy io.Reader
	if cfg.Entropy != nil {
		entropy = &lockedReader{r: cfg.Entropy}
	}

	start := time.Now()
	txs := make([]*Transaction, cfg.Count)
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range txs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			tx, err := generateOne(i, cfg.BaseNonce+uint64(i), cfg.NetworkID, cfg.Builder, entropy)
			if err != nil {
				return err
			}
			txs[i] = tx
			n := done.Add(1)
			if cfg.OnProgress != nil {
				cfg.OnProgress(int(n))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrGeneration, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrGeneration, err)
	}

	logger.Info("transaction batch generated",
		slog.Int("count", cfg.Count),
		slog.Uint64("baseNonce", cfg.BaseNonce),
		slog.Duration("took", time.Since(start)),
	)
	return &Batch{Txs: txs, BaseNonce: cfg.BaseNonce}, nil
}

func generateOne(index int, nonce, networkID uint64, b *txbuilder.Builder, entropy io.Reader) (*Transaction, error) {
	secret, err := account.NewSecret(entropy)
	if err != nil {
		return nil, fmt.Errorf("tx %d: %w", index, err)
	}
	id, err := account.DeriveAccountID(secret)
	if err != nil {
		return nil, fmt.Errorf("tx %d: %w", index, err)
	}
	to := account.AddressFromAccountID(id, networkID)

	signed, err := b.BuildSigned(txbuilder.TxParams{Nonce: nonce, To: to.Account})
	if err != nil {
		return nil, fmt.Errorf("tx %d: %w", index, err)
	}
	raw, err := txbuilder.Encode(signed)
	if err != nil {
		return nil, fmt.Errorf("tx %d: %w", index, err)
	}

	return &Transaction{
		Index:  index,
		Nonce:  nonce,
		From:   b.From(),
		To:     to,
		Amount: signed.Value(),
		Hash:   signed.Hash(),
		Raw:    raw,
	}, nil
}
