package keys

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"xdao.co/receipts/receipt"
)

func seedOf(b byte) []byte {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = b + byte(i)
	}
	return seed
}

func TestDeriveRoleSeedDeterministic(t *testing.T) {
	root := seedOf(0)

	a, err := DeriveRoleSeed(root, "approver")
	if err != nil {
		t.Fatalf("DeriveRoleSeed: %v", err)
	}
	b, err := DeriveRoleSeed(root, "approver")
	if err != nil {
		t.Fatalf("DeriveRoleSeed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("expected deterministic derivation")
	}

	c, err := DeriveRoleSeed(root, "issuer")
	if err != nil {
		t.Fatalf("DeriveRoleSeed: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatalf("expected different roles to derive different seeds")
	}
	if bytes.Equal(a, root) {
		t.Fatalf("role seed must differ from root seed")
	}
}

func TestDeriveRoleSeedRejectsBadInput(t *testing.T) {
	if _, err := DeriveRoleSeed(make([]byte, 16), "ok"); err == nil {
		t.Fatalf("expected error for short root seed")
	}
	if _, err := DeriveRoleSeed(seedOf(0), "no/slash"); err == nil {
		t.Fatalf("expected error for invalid role")
	}
}

func TestSignerProducesVerifiableReceipts(t *testing.T) {
	s, err := NewSigner(seedOf(0))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	want, err := AuthorFromSeed(seedOf(0))
	if err != nil {
		t.Fatalf("AuthorFromSeed: %v", err)
	}
	if s.Author() != want {
		t.Fatalf("author = %s, want %s", s.Author(), want)
	}

	r, err := s.Sign("note/v1", nil, []byte("hi"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := receipt.Verify(r); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if r.AuthorKey() != s.Author() {
		t.Fatalf("receipt author = %s, want %s", r.AuthorKey(), s.Author())
	}
}
