package keys

import (
	"crypto/ed25519"
	"fmt"

	"xdao.co/receipts/receipt"
)

// Signer authors receipts with one private key.
type Signer struct {
	priv   ed25519.PrivateKey
	author receipt.Author
}

func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	author, err := receipt.AuthorOf(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Signer{priv: priv, author: author}, nil
}

func (s *Signer) Author() receipt.Author { return s.author }

func (s *Signer) PrivateKey() ed25519.PrivateKey { return s.priv }

// Sign produces a receipt by this signer. refs may be in any order.
func (s *Signer) Sign(schema string, refs []receipt.ID, payload []byte) (*receipt.Receipt, error) {
	return receipt.Sign(s.priv, s.author.PublicKey(), schema, refs, payload)
}
