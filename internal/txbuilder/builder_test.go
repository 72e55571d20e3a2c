package txbuilder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var testRecipient = common.HexToAddress("0x1234567890123456789012345678901234567890")

func testBuilder(t *testing.T, legacy bool) *Builder {
	t.Helper()
	key, err := crypto.HexToECDSA("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Config{
		Key:     key,
		ChainID: big.NewInt(42069),
		Fee:     big.NewInt(10_000_000_000),
		Legacy:  legacy,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b
}

func TestNewValidation(t *testing.T) {
	key, _ := crypto.GenerateKey()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing key", Config{ChainID: big.NewInt(1), Fee: big.NewInt(1)}},
		{"nil chain id", Config{Key: key, Fee: big.NewInt(1)}},
		{"zero chain id", Config{Key: key, ChainID: big.NewInt(0), Fee: big.NewInt(1)}},
		{"negative fee", Config{Key: key, ChainID: big.NewInt(1), Fee: big.NewInt(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBuildDefaults(t *testing.T) {
	b := testBuilder(t, false)
	tx := b.Build(TxParams{Nonce: 3, To: testRecipient})

	if tx.Type() != types.DynamicFeeTxType {
		t.Errorf("Type() = %d, want %d", tx.Type(), types.DynamicFeeTxType)
	}
	if tx.Nonce() != 3 {
		t.Errorf("Nonce() = %d, want 3", tx.Nonce())
	}
	if tx.Gas() != DefaultGasLimit {
		t.Errorf("Gas() = %d, want %d", tx.Gas(), DefaultGasLimit)
	}
	if tx.Value().Cmp(big.NewInt(1)) != 0 {
		t.Errorf("Value() = %s, want 1", tx.Value())
	}
	if *tx.To() != testRecipient {
		t.Errorf("To() = %s, want %s", tx.To().Hex(), testRecipient.Hex())
	}
}

func TestBuildLegacy(t *testing.T) {
	b := testBuilder(t, true)
	tx := b.Build(TxParams{Nonce: 0, To: testRecipient})

	if tx.Type() != types.LegacyTxType {
		t.Errorf("Type() = %d, want %d", tx.Type(), types.LegacyTxType)
	}
	if tx.GasPrice().Cmp(big.NewInt(10_000_000_000)) != 0 {
		t.Errorf("GasPrice() = %s, want 10 gwei", tx.GasPrice())
	}
}

func TestBuildSignedRecoversSender(t *testing.T) {
	for _, legacy := range []bool{false, true} {
		b := testBuilder(t, legacy)
		tx, err := b.BuildSigned(TxParams{Nonce: 7, To: testRecipient})
		if err != nil {
			t.Fatalf("BuildSigned() error = %v", err)
		}

		sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(42069)), tx)
		if err != nil {
			t.Fatalf("Sender() error = %v", err)
		}
		if sender != b.From() {
			t.Errorf("legacy=%v: sender = %s, want %s", legacy, sender.Hex(), b.From().Hex())
		}
	}
}

func TestHashOfMatchesSignedHash(t *testing.T) {
	b := testBuilder(t, false)
	tx, err := b.BuildSigned(TxParams{Nonce: 1, To: testRecipient})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := Encode(tx)
	if err != nil {
		t.Fatal(err)
	}

	hash, err := HashOf(raw)
	if err != nil {
		t.Fatalf("HashOf() error = %v", err)
	}
	if hash != tx.Hash() {
		t.Errorf("HashOf() = %s, want %s", hash.Hex(), tx.Hash().Hex())
	}
	if hash != crypto.Keccak256Hash(raw) {
		t.Errorf("hash is not keccak of the envelope")
	}

	if _, err := HashOf([]byte{0x02, 0xff}); err == nil {
		t.Error("expected error for malformed envelope")
	}
}

func TestDistinctNoncesDistinctHashes(t *testing.T) {
	b := testBuilder(t, false)
	seen := make(map[common.Hash]uint64)
	for nonce := uint64(0); nonce < 5; nonce++ {
		tx, err := b.BuildSigned(TxParams{Nonce: nonce, To: testRecipient})
		if err != nil {
			t.Fatal(err)
		}
		if prev, ok := seen[tx.Hash()]; ok {
			t.Fatalf("nonce %d collides with nonce %d", nonce, prev)
		}
		seen[tx.Hash()] = nonce
	}
}
