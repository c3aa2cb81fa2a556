package receipt

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
)

// Author is a fixed-size copy of an author public key. Unlike
// ed25519.PublicKey it is comparable and usable as a map key.
type Author [AuthorSize]byte

func (a Author) String() string { return hex.EncodeToString(a[:]) }

func (a Author) Short() string { return hex.EncodeToString(a[:4]) }

func (a Author) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, AuthorSize)
	copy(out, a[:])
	return out
}

func (a Author) Compare(other Author) int { return bytes.Compare(a[:], other[:]) }

func (a Author) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Author) UnmarshalText(b []byte) error {
	parsed, err := ParseAuthor(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// AuthorOf converts a public key into an Author.
func AuthorOf(pub ed25519.PublicKey) (Author, error) {
	var a Author
	if len(pub) != AuthorSize {
		return a, newError(KindValidation, BadAuthorLength, fmt.Sprintf("author must be %d bytes, got %d", AuthorSize, len(pub)))
	}
	copy(a[:], pub)
	return a, nil
}

// ParseAuthor parses the hex form produced by Author.String.
func ParseAuthor(s string) (Author, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Author{}, fmt.Errorf("receipt: invalid author %q: %w", s, err)
	}
	return AuthorOf(b)
}
