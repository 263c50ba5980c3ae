package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// ReferenceGenerator mints throwaway public keys used only to tag a payment
// transaction. The private half is discarded.
type ReferenceGenerator struct {
	// Entropy defaults to crypto/rand.
	Entropy io.Reader
}

func (g ReferenceGenerator) NewReference() (string, error) {
	src := g.Entropy
	if src == nil {
		src = rand.Reader
	}
	pub, _, err := ed25519.GenerateKey(src)
	if err != nil {
		return "", err
	}
	return base58.Encode(pub), nil
}

// ValidAddress reports whether s is a base58 encoded 32 byte public key.
func ValidAddress(s string) bool {
	if s == "" {
		return false
	}
	return len(base58.Decode(s)) == ed25519.PublicKeySize
}
