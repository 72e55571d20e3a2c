package account

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SecretLength is the size of a raw secret in bytes.
const SecretLength = 32

// AccountID is the network-independent identity of a key: the low 20 bytes
// of the keccak hash of its public key.
type AccountID [common.AddressLength]byte

// Hex returns the lowercase hex form of the id.
func (id AccountID) Hex() string {
	return "0x" + common.Bytes2Hex(id[:])
}

// Address is an account id bound to a network.
type Address struct {
	NetworkID uint64
	Account   common.Address
}

// String renders the address with the EIP-1191 chain-aware checksum.
// Network id 0 falls back to the plain EIP-55 checksum.
func (a Address) String() string {
	if a.NetworkID == 0 {
		return a.Account.Hex()
	}
	lower := "0x" + common.Bytes2Hex(a.Account[:])
	hash := common.Bytes2Hex(crypto.Keccak256([]byte(strconv.FormatUint(a.NetworkID, 10) + lower)))

	var b strings.Builder
	b.WriteString("0x")
	for i, c := range lower[2:] {
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			c -= 'a' - 'A'
		}
		b.WriteRune(c)
	}
	return b.String()
}

// NewSecret reads a fresh secret from r, using crypto/rand when r is nil.
// Secrets outside the curve order are redrawn.
func NewSecret(r io.Reader) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	secret := make([]byte, SecretLength)
	for attempt := 0; attempt < 8; attempt++ {
		if _, err := io.ReadFull(r, secret); err != nil {
			return nil, fmt.Errorf("read secret: %w", err)
		}
		if _, err := crypto.ToECDSA(secret); err == nil {
			return secret, nil
		}
	}
	return nil, fmt.Errorf("no valid secret after 8 draws")
}

// DeriveAccountID derives the account id for a raw secret.
func DeriveAccountID(secret []byte) (AccountID, error) {
	key, err := crypto.ToECDSA(secret)
	if err != nil {
		return AccountID{}, fmt.Errorf("invalid secret: %w", err)
	}
	return AccountID(crypto.PubkeyToAddress(key.PublicKey)), nil
}

// AddressFromAccountID binds an account id to a network.
func AddressFromAccountID(id AccountID, networkID uint64) Address {
	return Address{NetworkID: networkID, Account: common.Address(id)}
}
