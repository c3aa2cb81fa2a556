package receipt

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// IDSize is the width of a ReceiptId in bytes.
const IDSize = 32

// ID is a ReceiptId: the domain-separated SHA-256 digest of a receipt's full
// canonical encoding.
type ID [IDSize]byte

// String returns the lowercase hex form of id.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Short returns the first 8 hex characters, for logs.
func (id ID) Short() string { return hex.EncodeToString(id[:4]) }

func (id ID) Bytes() []byte {
	out := make([]byte, IDSize)
	copy(out, id[:])
	return out
}

func (id ID) IsZero() bool { return id == ID{} }

// Compare orders ids by raw byte value.
func (id ID) Compare(other ID) int { return bytes.Compare(id[:], other[:]) }

func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses the hex form produced by ID.String.
func ParseID(s string) (ID, error) {
	var id ID
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("receipt: invalid id %q: %w", s, err)
	}
	return IDFromBytes(b)
}

// IDFromBytes copies a 32-byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDSize {
		return id, newError(KindValidation, BadRefLength, fmt.Sprintf("id must be %d bytes, got %d", IDSize, len(b)))
	}
	copy(id[:], b)
	return id, nil
}

// SortIDs sorts ids ascending in place.
func SortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
}

// NormalizeRefs returns a sorted copy of refs.
//
// A byte-identical repeated entry is a DuplicateRefs validation failure; it is
// never silently collapsed.
func NormalizeRefs(refs []ID) ([]ID, error) {
	out := make([]ID, len(refs))
	copy(out, refs)
	SortIDs(out)
	for i := 1; i < len(out); i++ {
		if out[i] == out[i-1] {
			return nil, newError(KindValidation, DuplicateRefs, "duplicate ref "+out[i].String())
		}
	}
	return out, nil
}

// checkRefsOrder reports an error unless refs are strictly ascending.
func checkRefsOrder(refs []ID) error {
	for i := 1; i < len(refs); i++ {
		switch refs[i-1].Compare(refs[i]) {
		case 0:
			return newError(KindValidation, DuplicateRefs, "duplicate ref "+refs[i].String())
		case 1:
			return newError(KindEncoding, MalformedEncoding, "refs are not sorted ascending")
		}
	}
	return nil
}
