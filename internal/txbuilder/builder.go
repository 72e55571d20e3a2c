// Package txbuilder builds and signs the value-transfer transactions used as
// benchmark load.
package txbuilder

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultGasLimit is the intrinsic gas of a plain value transfer.
const DefaultGasLimit = 21000

// TxParams holds the per-transaction inputs.
type TxParams struct {
	Nonce uint64
	To    common.Address
}

// Builder signs payments from a single funding key with fixed fee settings.
// It is safe for concurrent use.
type Builder struct {
	key       *ecdsa.PrivateKey
	from      common.Address
	chainID   *big.Int
	signer    types.Signer
	value     *big.Int
	gasLimit  uint64
	gasTipCap *big.Int
	gasFeeCap *big.Int
	legacy    bool
}

// Config configures a Builder.
type Config struct {
	Key      *ecdsa.PrivateKey
	ChainID  *big.Int
	Amount   *big.Int // value per transfer, in wei
	Fee      *big.Int // fee cap and tip cap, or gas price when Legacy
	GasLimit uint64
	Legacy   bool
}

// New creates a Builder.
func New(cfg Config) (*Builder, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("ChainID must be non-nil and positive")
	}
	if cfg.Fee == nil || cfg.Fee.Sign() < 0 {
		return nil, fmt.Errorf("fee must be non-negative")
	}
	amount := cfg.Amount
	if amount == nil {
		amount = big.NewInt(1)
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}

	return &Builder{
		key:       cfg.Key,
		from:      crypto.PubkeyToAddress(cfg.Key.PublicKey),
		chainID:   new(big.Int).Set(cfg.ChainID),
		signer:    types.LatestSignerForChainID(cfg.ChainID),
		value:     new(big.Int).Set(amount),
		gasLimit:  gasLimit,
		gasTipCap: new(big.Int).Set(cfg.Fee),
		gasFeeCap: new(big.Int).Set(cfg.Fee),
		legacy:    cfg.Legacy,
	}, nil
}

// From returns the sender address.
func (b *Builder) From() common.Address {
	return b.from
}

// Build creates an unsigned transfer.
func (b *Builder) Build(params TxParams) *types.Transaction {
	return NewTransferTx(b.chainID, params.Nonce, params.To, b.value, b.gasLimit, b.gasTipCap, b.gasFeeCap, nil, b.legacy)
}

// BuildSigned creates and signs a transfer.
func (b *Builder) BuildSigned(params TxParams) (*types.Transaction, error) {
	signed, err := types.SignTx(b.Build(params), b.signer, b.key)
	if err != nil {
		return nil, fmt.Errorf("sign nonce %d: %w", params.Nonce, err)
	}
	return signed, nil
}

// Encode returns the canonical signed envelope.
func Encode(tx *types.Transaction) ([]byte, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode tx: %w", err)
	}
	return raw, nil
}

// HashOf decodes a signed envelope and returns its hash. Nodes key finality
// lookups by this value.
func HashOf(raw []byte) (common.Hash, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("decode tx: %w", err)
	}
	return tx.Hash(), nil
}
