package chain

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mr-tron/base58"
)

// Wallet holds the signing keypair for live trading.
type Wallet struct {
	key     ed25519.PrivateKey
	address string
}

// LoadWalletFromFile reads a keypair file in the standard CLI format: a JSON
// array of 64 secret-key bytes.
func LoadWalletFromFile(path string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chain.LoadWalletFromFile: read %q: %w", path, err)
	}
	var bytes []byte
	if err := json.Unmarshal(raw, &bytes); err != nil {
		return nil, fmt.Errorf("chain.LoadWalletFromFile: parse %q: %w", path, err)
	}
	return walletFromSecret(bytes)
}

// LoadWalletFromBase64 decodes a base64-encoded 64-byte secret key, the
// env-friendly form.
func LoadWalletFromBase64(secret string) (*Wallet, error) {
	bytes, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("chain.LoadWalletFromBase64: decode: %w", err)
	}
	return walletFromSecret(bytes)
}

func walletFromSecret(secret []byte) (*Wallet, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("chain: secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	key := ed25519.PrivateKey(secret)
	pub := key.Public().(ed25519.PublicKey)
	return &Wallet{
		key:     key,
		address: base58.Encode(pub),
	}, nil
}

// NewEphemeralWallet generates a throwaway keypair, used for position
// accounts that must co-sign their creation.
func NewEphemeralWallet() (*Wallet, error) {
	pub, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("chain.NewEphemeralWallet: %w", err)
	}
	return &Wallet{key: key, address: base58.Encode(pub)}, nil
}

// Address is the base58 public key.
func (w *Wallet) Address() string {
	return w.address
}

// PublicKey returns the raw 32-byte public key.
func (w *Wallet) PublicKey() []byte {
	return w.key.Public().(ed25519.PublicKey)
}

// SignMessage signs arbitrary bytes with the wallet key.
func (w *Wallet) SignMessage(msg []byte) []byte {
	return ed25519.Sign(w.key, msg)
}
