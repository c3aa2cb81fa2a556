// Package receipt implements signed, content-addressed receipts: their
// canonical CBOR encoding, identity, content address, signing and
// verification.
//
// Every function in this package is pure. Nothing here touches storage, the
// network, or a clock.
package receipt

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/ipfs/go-cid"

	"xdao.co/receipts/cidutil"
)

// Size limits. They are part of the wire format.
const (
	MaxSchemaLen  = 256
	MaxRefs       = 128
	MaxPayloadLen = 64 * 1024
	AuthorSize    = ed25519.PublicKeySize
	SignatureSize = ed25519.SignatureSize

	// MaxEncodedLen bounds the full encoding of any valid receipt, with room
	// for CBOR headers.
	MaxEncodedLen = MaxPayloadLen + MaxSchemaLen + MaxRefs*(IDSize+2) + AuthorSize + SignatureSize + 256
)

// Domain separation tags. Raw ASCII, no length prefix, no terminator.
const (
	SignatureDomain = "receipt-signature-v1"
	IdentityDomain  = "receipt-identity-v1"
)

// Receipt is an immutable signed record.
//
// Callers must not mutate a Receipt after it has been signed or decoded; its
// identity is a function of every field.
type Receipt struct {
	Author    ed25519.PublicKey
	Schema    string
	Refs      []ID
	Payload   []byte
	Signature []byte
}

// SignableBytes returns the canonical bytes the signature covers.
func (r *Receipt) SignableBytes() ([]byte, error) {
	return EncodeSignable(r.Author, r.Schema, r.Refs, r.Payload)
}

// Bytes returns the full canonical encoding.
func (r *Receipt) Bytes() ([]byte, error) {
	return EncodeFull(r.Author, r.Schema, r.Refs, r.Payload, r.Signature)
}

// ID returns the receipt's identity. It panics if r cannot be encoded, which
// never happens for receipts returned by Sign, Parse or Decode; use ComputeID
// for receipts of unknown provenance.
func (r *Receipt) ID() ID {
	id, err := ComputeID(r)
	if err != nil {
		panic(err)
	}
	return id
}

// AuthorKey returns the author as a fixed-size array, suitable as a map key.
func (r *Receipt) AuthorKey() Author {
	var a Author
	copy(a[:], r.Author)
	return a
}

func (r *Receipt) String() string {
	id, err := ComputeID(r)
	if err != nil {
		return fmt.Sprintf("receipt(invalid: %v)", err)
	}
	return fmt.Sprintf("receipt(%s schema=%q refs=%d payload=%dB)", id.Short(), r.Schema, len(r.Refs), len(r.Payload))
}

// ComputeID hashes the full encoding under IdentityDomain.
func ComputeID(r *Receipt) (ID, error) {
	b, err := r.Bytes()
	if err != nil {
		return ID{}, err
	}
	return IDOfBytes(b), nil
}

// IDOfBytes computes the ReceiptId of an already-encoded receipt.
func IDOfBytes(full []byte) ID {
	h := sha256.New()
	_, _ = h.Write([]byte(IdentityDomain))
	_, _ = h.Write(full)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// ComputeContentAddress returns the CIDv1 (dag-cbor, sha2-256) of the full
// encoding. It lives in a separate namespace from ID.
func ComputeContentAddress(r *Receipt) (cid.Cid, error) {
	b, err := r.Bytes()
	if err != nil {
		return cid.Undef, err
	}
	return cidutil.CIDv1DagCBORSHA256CID(b)
}
