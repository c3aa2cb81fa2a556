package antientropy

import (
	"lukechampine.com/blake3"

	"xdao.co/receipts/receipt"
)

// DigestDomain prefixes the state digest input.
const DigestDomain = "receipt-state-v1:"

// StateDigest hashes a set of receipt ids independent of their order.
func StateDigest(ids []receipt.ID) Digest {
	sorted := append([]receipt.ID(nil), ids...)
	receipt.SortIDs(sorted)

	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(DigestDomain))
	for _, id := range sorted {
		_, _ = h.Write(id[:])
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
