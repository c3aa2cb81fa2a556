// Package cidutil derives content addresses for receipt bytes.
package cidutil

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ErrMismatch is returned by Check when bytes do not hash to the given CID.
var ErrMismatch = errors.New("cidutil: cid mismatch")

// CIDv1DagCBORSHA256 returns a CIDv1 string using the dag-cbor multicodec
// and a sha2-256 multihash.
func CIDv1DagCBORSHA256(data []byte) string {
	id, err := CIDv1DagCBORSHA256CID(data)
	if err != nil {
		// multihash.Sum only errors for invalid inputs; with SHA2_256 and -1 length,
		// this should be unreachable.
		return ""
	}
	return id.String()
}

// CIDv1DagCBORSHA256CID returns a CIDv1 (dag-cbor + sha2-256) derived from data.
func CIDv1DagCBORSHA256CID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.DagCBOR, sum), nil
}

// Check recomputes the CID of data and compares it with want.
func Check(data []byte, want cid.Cid) error {
	if !want.Defined() {
		return fmt.Errorf("cidutil: undefined cid")
	}
	got, err := CIDv1DagCBORSHA256CID(data)
	if err != nil {
		return err
	}
	if !got.Equals(want) {
		return ErrMismatch
	}
	return nil
}

// Parse decodes a CID string and requires the dag-cbor/sha2-256 shape used
// for receipts.
func Parse(s string) (cid.Cid, error) {
	id, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, err
	}
	if id.Version() != 1 || id.Type() != cid.DagCBOR {
		return cid.Undef, fmt.Errorf("cidutil: %s is not a CIDv1 dag-cbor address", s)
	}
	if id.Prefix().MhType != multihash.SHA2_256 {
		return cid.Undef, fmt.Errorf("cidutil: %s does not use sha2-256", s)
	}
	return id, nil
}
