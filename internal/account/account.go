// Package account holds the keys the harness signs with and derives
// recipient identities from random secrets.
package account

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/consensusbench/internal/rpc"
)

// Account holds a signing key and its address.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

// NewAccount creates an account from a private key.
func NewAccount(privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key.
// A leading 0x is accepted.
func NewAccountFromHex(hexKey string) (*Account, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, err
	}
	return NewAccount(privateKey), nil
}

// ParseKeys parses a comma-separated list of hex private keys.
// Duplicate keys are rejected.
func ParseKeys(csv string) ([]*Account, error) {
	var accounts []*Account
	seen := make(map[common.Address]int)
	for i, part := range strings.Split(csv, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		acc, err := NewAccountFromHex(part)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		if prev, ok := seen[acc.Address]; ok {
			return nil, fmt.Errorf("key %d duplicates key %d (%s)", i, prev, acc.Address.Hex())
		}
		seen[acc.Address] = i
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// KeyHex returns the private key hex without 0x prefix.
func (a *Account) KeyHex() string {
	return common.Bytes2Hex(crypto.FromECDSA(a.PrivateKey))
}

// ConfirmedNonce fetches the account's confirmed nonce from a node.
func (a *Account) ConfirmedNonce(ctx context.Context, client rpc.Client) (uint64, error) {
	nonce, err := client.GetConfirmedNonce(ctx, a.Address.Hex())
	if err != nil {
		return 0, fmt.Errorf("get nonce for %s: %w", a.Address.Hex(), err)
	}
	return nonce, nil
}

// Well-known development private keys (Anvil/Hardhat default accounts).
// Key 0 funds the benchmark; keys 1..N are validator identities.
var TestPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", // Account 0
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", // Account 1
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a", // Account 2
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6", // Account 3
	"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a", // Account 4
	"8b3a350cf5c34c9194ca85829a2df0ec3153be0318b5e2d3348e872092edffba", // Account 5
	"92db14e403b83dfe3df233f83dfa3a0d7096f21ca9b0d6d6b8d88b2b4ec1564e", // Account 6
	"4bbbf85ce3377467afe5d46f804f221813b2bb87f24d81f60f1fcdbf7cbf4356", // Account 7
	"dbda1821b80551c9d65939329250298aa3472ba22feea921c0cf5d620ea67b97", // Account 8
	"2a871d0798f97d79848a013d4936a73bf4cc922c825d33c1cf7073dff6d409c6", // Account 9
}

// DefaultFaucet returns the built-in funding account.
func DefaultFaucet() *Account {
	acc, err := NewAccountFromHex(TestPrivateKeys[0])
	if err != nil {
		panic(err)
	}
	return acc
}

// DefaultValidators returns k built-in validator identities.
func DefaultValidators(k int) ([]*Account, error) {
	if k < 1 || k > len(TestPrivateKeys)-1 {
		return nil, fmt.Errorf("built-in keys cover 1..%d validators, got %d", len(TestPrivateKeys)-1, k)
	}
	accounts := make([]*Account, 0, k)
	for _, hexKey := range TestPrivateKeys[1 : k+1] {
		acc, err := NewAccountFromHex(hexKey)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}
