package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"xdao.co/receipts/receipt"
)

// RoleDomain salts role-key derivation.
const RoleDomain = "receipt-role-v1"

// AuthorFromSeed returns the author identity for an Ed25519 seed.
func AuthorFromSeed(seed []byte) (receipt.Author, error) {
	if len(seed) != ed25519.SeedSize {
		return receipt.Author{}, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return receipt.AuthorOf(priv.Public().(ed25519.PublicKey))
}

// DeriveRoleSeed deterministically derives a role-specific Ed25519 seed from
// a root seed.
func DeriveRoleSeed(rootSeed []byte, role string) ([]byte, error) {
	if len(rootSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("root seed must be %d bytes", ed25519.SeedSize)
	}
	if err := CheckRole(role); err != nil {
		return nil, err
	}

	r := hkdf.New(sha256.New, rootSeed, []byte(RoleDomain), []byte("role:"+role))
	out := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
