package account

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/consensusbench/internal/rpc"
)

const (
	anvilAddress0 = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	anvilAddress1 = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func TestNewAccountFromHex(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		want    string
		wantErr bool
	}{
		{"plain", TestPrivateKeys[0], anvilAddress0, false},
		{"0x prefix", "0x" + TestPrivateKeys[1], anvilAddress1, false},
		{"whitespace", " " + TestPrivateKeys[0] + "\n", anvilAddress0, false},
		{"garbage", "zz", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, err := NewAccountFromHex(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewAccountFromHex() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && acc.Address.Hex() != tt.want {
				t.Errorf("Address = %s, want %s", acc.Address.Hex(), tt.want)
			}
		})
	}
}

func TestParseKeys(t *testing.T) {
	accs, err := ParseKeys(TestPrivateKeys[1] + ", " + TestPrivateKeys[2] + ",")
	if err != nil {
		t.Fatalf("ParseKeys() error = %v", err)
	}
	if len(accs) != 2 {
		t.Fatalf("got %d accounts, want 2", len(accs))
	}
	if accs[0].Address.Hex() != anvilAddress1 {
		t.Errorf("first address = %s, want %s", accs[0].Address.Hex(), anvilAddress1)
	}

	if _, err := ParseKeys(TestPrivateKeys[1] + "," + TestPrivateKeys[1]); err == nil {
		t.Error("expected error for duplicate keys")
	}
}

func TestDefaultValidators(t *testing.T) {
	vals, err := DefaultValidators(4)
	if err != nil {
		t.Fatalf("DefaultValidators(4) error = %v", err)
	}
	if len(vals) != 4 {
		t.Fatalf("got %d validators, want 4", len(vals))
	}
	faucet := DefaultFaucet()
	for i, v := range vals {
		if v.Address == faucet.Address {
			t.Errorf("validator %d reuses the faucet key", i)
		}
	}

	for _, k := range []int{0, len(TestPrivateKeys)} {
		if _, err := DefaultValidators(k); err == nil {
			t.Errorf("DefaultValidators(%d) should fail", k)
		}
	}
}

func TestKeyHexRoundTrip(t *testing.T) {
	acc := DefaultFaucet()
	if got := acc.KeyHex(); got != TestPrivateKeys[0] {
		t.Errorf("KeyHex() = %s, want %s", got, TestPrivateKeys[0])
	}
}

func TestDeriveAccountID(t *testing.T) {
	secret := common.Hex2Bytes(TestPrivateKeys[0])
	id, err := DeriveAccountID(secret)
	if err != nil {
		t.Fatalf("DeriveAccountID() error = %v", err)
	}
	if id.Hex() != strings.ToLower(anvilAddress0) {
		t.Errorf("id = %s, want %s", id.Hex(), strings.ToLower(anvilAddress0))
	}

	if _, err := DeriveAccountID(make([]byte, SecretLength)); err == nil {
		t.Error("zero secret should be rejected")
	}
}

func TestAddressFromAccountID(t *testing.T) {
	secret := common.Hex2Bytes(TestPrivateKeys[0])
	id, _ := DeriveAccountID(secret)

	plain := AddressFromAccountID(id, 0)
	if plain.String() != anvilAddress0 {
		t.Errorf("network 0 String() = %s, want EIP-55 %s", plain.String(), anvilAddress0)
	}

	bound := AddressFromAccountID(id, 42069)
	if bound.Account != common.HexToAddress(anvilAddress0) {
		t.Errorf("Account = %s, want %s", bound.Account.Hex(), anvilAddress0)
	}
	if !strings.EqualFold(bound.String(), anvilAddress0) {
		t.Errorf("String() = %s differs from %s beyond letter case", bound.String(), anvilAddress0)
	}
	// The checksum is a pure function of (id, network).
	if again := AddressFromAccountID(id, 42069).String(); again != bound.String() {
		t.Errorf("String() not deterministic: %s vs %s", again, bound.String())
	}
}

func TestNewSecret(t *testing.T) {
	a, err := NewSecret(nil)
	if err != nil {
		t.Fatalf("NewSecret() error = %v", err)
	}
	b, _ := NewSecret(nil)
	if len(a) != SecretLength {
		t.Errorf("len = %d, want %d", len(a), SecretLength)
	}
	if bytes.Equal(a, b) {
		t.Error("two secrets should differ")
	}
	if _, err := crypto.ToECDSA(a); err != nil {
		t.Errorf("secret is not a valid key: %v", err)
	}
}

func TestNewSecretRedrawsInvalid(t *testing.T) {
	valid := common.Hex2Bytes(TestPrivateKeys[3])
	r := bytes.NewReader(append(make([]byte, SecretLength), valid...))

	secret, err := NewSecret(r)
	if err != nil {
		t.Fatalf("NewSecret() error = %v", err)
	}
	if !bytes.Equal(secret, valid) {
		t.Errorf("expected the second draw to be used")
	}

	if _, err := NewSecret(bytes.NewReader(nil)); err == nil {
		t.Error("expected error on empty reader")
	}
}

type nonceClient struct {
	rpc.Client
	nonce uint64
	err   error
	addr  string
}

func (c *nonceClient) GetConfirmedNonce(_ context.Context, address string) (uint64, error) {
	c.addr = address
	return c.nonce, c.err
}

func TestConfirmedNonce(t *testing.T) {
	acc := DefaultFaucet()
	client := &nonceClient{nonce: 7}

	n, err := acc.ConfirmedNonce(context.Background(), client)
	if err != nil || n != 7 {
		t.Errorf("ConfirmedNonce() = %d, %v; want 7, nil", n, err)
	}
	if client.addr != anvilAddress0 {
		t.Errorf("queried %s, want %s", client.addr, anvilAddress0)
	}

	client.err = errors.New("boom")
	if _, err := acc.ConfirmedNonce(context.Background(), client); !errors.Is(err, client.err) {
		t.Errorf("expected wrapped error, got %v", err)
	}
}
