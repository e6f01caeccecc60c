package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet is the secp256k1 signing account that owns submitted records.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewWallet loads a wallet from a hex private key, with or without 0x.
func NewWallet(hexKey string) (*Wallet, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("private key is required")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Wallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// NewEphemeralWallet generates a throwaway key, for development ledgers.
func NewEphemeralWallet() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Wallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (w *Wallet) Address() string {
	return w.address.Hex()
}

func (w *Wallet) HasPrivateKey() bool {
	return w != nil && w.key != nil
}

// Sign signs the Keccak-256 hash of payload and returns a 0x-prefixed
// 65-byte recoverable signature.
func (w *Wallet) Sign(payload []byte) (string, error) {
	if !w.HasPrivateKey() {
		return "", fmt.Errorf("wallet has no private key")
	}
	sig, err := crypto.Sign(crypto.Keccak256(payload), w.key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// RecoverSigner returns the address that produced signature over payload.
func RecoverSigner(payload []byte, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(payload), sig)
	if err != nil {
		return "", fmt.Errorf("invalid signature: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
