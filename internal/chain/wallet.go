package chain

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Wallet holds the trading keypair and signs outgoing transactions.
type Wallet struct {
	key solana.PrivateKey
}

// LoadWallet parses a base58-encoded private key.
func LoadWallet(encoded string) (*Wallet, error) {
	key, err := solana.PrivateKeyFromBase58(encoded)
	if err != nil {
		return nil, fmt.Errorf("chain: parse wallet key: %w", err)
	}
	return &Wallet{key: key}, nil
}

// PublicKey returns the wallet's address.
func (w *Wallet) PublicKey() solana.PublicKey {
	return w.key.PublicKey()
}

// Sign signs tx in place with the wallet key.
func (w *Wallet) Sign(tx *solana.Transaction) error {
	_, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(w.key.PublicKey()) {
			return &w.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("chain: sign transaction: %w", err)
	}
	return nil
}
