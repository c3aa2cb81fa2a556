package antientropy

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"xdao.co/receipts/receipt"
)

const (
	// MaxBatch bounds the receipts carried by one Transfer and the ids named
	// by one Request.
	MaxBatch = 50
	// MaxInventory bounds the ids in one inventory page.
	MaxInventory = 4096
	// MaxMessageBytes bounds an encoded sync message.
	MaxMessageBytes = 8 << 20
)

// Digest summarizes a receipt set; equal digests mean equal sets.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Scope selects the receipts a session exchanges. The zero Scope is every
// receipt either side is willing to share.
type Scope struct {
	Author receipt.Author
	Schema string
}

func (s Scope) String() string {
	a := "*"
	if s.hasAuthor() {
		a = s.Author.Short()
	}
	sc := s.Schema
	if sc == "" {
		sc = "*"
	}
	return a + "/" + sc
}

func (s Scope) hasAuthor() bool { return s.Author != (receipt.Author{}) }

// Contains reports whether r falls inside s.
func (s Scope) Contains(r *receipt.Receipt) bool {
	if s.hasAuthor() && r.AuthorKey() != s.Author {
		return false
	}
	return s.Schema == "" || r.Schema == s.Schema
}

// Advertise is a peer's summary of its set for a scope: the receipts no
// in-scope receipt references, plus a count and digest over the whole set.
// Commitment roots appear here as ordinary heads. Heads holds at most
// MaxInventory ids; a larger set is still covered by Count and Digest.
type Advertise struct {
	Scope  Scope
	Heads  []receipt.ID
	Count  int
	Digest Digest
}

// Request asks for receipts by id, or, with Inventory set, for one page of
// the peer's ids greater than After.
type Request struct {
	Scope     Scope
	Wanted    []receipt.ID
	Inventory bool
	After     receipt.ID
}

// Transfer carries full receipt bytes, or an inventory page.
type Transfer struct {
	Receipts  [][]byte
	Inventory []receipt.ID
	// More is set when further inventory pages exist.
	More bool
}

// Ack confirms which delivered receipts were accepted. It is informational.
type Ack struct {
	Received []receipt.ID
}

type wireScope struct {
	Author []byte `cbor:"author,omitempty"`
	Schema string `cbor:"schema,omitempty"`
}

type wireAdvertise struct {
	Scope  wireScope `cbor:"scope"`
	Heads  [][]byte  `cbor:"heads"`
	Count  uint64    `cbor:"count"`
	Digest []byte    `cbor:"digest"`
}

type wireRequest struct {
	Scope     wireScope `cbor:"scope"`
	Wanted    [][]byte  `cbor:"wanted"`
	Inventory bool      `cbor:"inventory"`
	After     []byte    `cbor:"after,omitempty"`
}

type wireTransfer struct {
	Receipts  [][]byte `cbor:"receipts"`
	Inventory [][]byte `cbor:"inventory"`
	More      bool     `cbor:"more"`
}

type wireAck struct {
	Received [][]byte `cbor:"received"`
}

var (
	msgEnc cbor.EncMode
	msgDec cbor.DecMode
)

func init() {
	eo := cbor.CoreDetEncOptions()
	eo.NilContainers = cbor.NilContainerAsEmpty
	em, err := eo.EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		TagsMd:            cbor.TagsForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  MaxInventory,
		MaxMapPairs:       16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	msgEnc, msgDec = em, dm
}

func EncodeAdvertise(m *Advertise) ([]byte, error) {
	return encode(wireAdvertise{
		Scope:  scopeToWire(m.Scope),
		Heads:  idsToWire(m.Heads),
		Count:  uint64(m.Count),
		Digest: m.Digest[:],
	})
}

func DecodeAdvertise(b []byte) (*Advertise, error) {
	var w wireAdvertise
	if err := decode(b, &w); err != nil {
		return nil, err
	}
	scope, err := scopeFromWire(w.Scope)
	if err != nil {
		return nil, err
	}
	heads, err := idsFromWire(w.Heads, MaxInventory)
	if err != nil {
		return nil, err
	}
	if len(w.Digest) != len(Digest{}) {
		return nil, fmt.Errorf("antientropy: digest is %d bytes", len(w.Digest))
	}
	m := &Advertise{Scope: scope, Heads: heads, Count: int(w.Count)}
	copy(m.Digest[:], w.Digest)
	return m, nil
}

func EncodeRequest(m *Request) ([]byte, error) {
	w := wireRequest{
		Scope:     scopeToWire(m.Scope),
		Wanted:    idsToWire(m.Wanted),
		Inventory: m.Inventory,
	}
	if !m.After.IsZero() {
		w.After = m.After.Bytes()
	}
	return encode(w)
}

func DecodeRequest(b []byte) (*Request, error) {
	var w wireRequest
	if err := decode(b, &w); err != nil {
		return nil, err
	}
	scope, err := scopeFromWire(w.Scope)
	if err != nil {
		return nil, err
	}
	wanted, err := idsFromWire(w.Wanted, MaxBatch)
	if err != nil {
		return nil, err
	}
	m := &Request{Scope: scope, Wanted: wanted, Inventory: w.Inventory}
	if len(w.After) > 0 {
		if m.After, err = receipt.IDFromBytes(w.After); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func EncodeTransfer(m *Transfer) ([]byte, error) {
	return encode(wireTransfer{
		Receipts:  m.Receipts,
		Inventory: idsToWire(m.Inventory),
		More:      m.More,
	})
}

func DecodeTransfer(b []byte) (*Transfer, error) {
	var w wireTransfer
	if err := decode(b, &w); err != nil {
		return nil, err
	}
	if len(w.Receipts) > MaxBatch {
		return nil, fmt.Errorf("antientropy: transfer carries %d receipts, limit %d", len(w.Receipts), MaxBatch)
	}
	inv, err := idsFromWire(w.Inventory, MaxInventory)
	if err != nil {
		return nil, err
	}
	return &Transfer{Receipts: w.Receipts, Inventory: inv, More: w.More}, nil
}

func EncodeAck(m *Ack) ([]byte, error) {
	return encode(wireAck{Received: idsToWire(m.Received)})
}

func DecodeAck(b []byte) (*Ack, error) {
	var w wireAck
	if err := decode(b, &w); err != nil {
		return nil, err
	}
	ids, err := idsFromWire(w.Received, MaxBatch)
	if err != nil {
		return nil, err
	}
	return &Ack{Received: ids}, nil
}

func encode(v any) ([]byte, error) {
	b, err := msgEnc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("antientropy: encode: %w", err)
	}
	if len(b) > MaxMessageBytes {
		return nil, fmt.Errorf("antientropy: message is %d bytes, limit %d", len(b), MaxMessageBytes)
	}
	return b, nil
}

func decode(b []byte, v any) error {
	if len(b) > MaxMessageBytes {
		return fmt.Errorf("antientropy: message is %d bytes, limit %d", len(b), MaxMessageBytes)
	}
	if err := msgDec.Unmarshal(b, v); err != nil {
		return fmt.Errorf("antientropy: decode: %w", err)
	}
	return nil
}

func scopeToWire(s Scope) wireScope {
	w := wireScope{Schema: s.Schema}
	if s.hasAuthor() {
		w.Author = append([]byte(nil), s.Author[:]...)
	}
	return w
}

func scopeFromWire(w wireScope) (Scope, error) {
	s := Scope{Schema: w.Schema}
	if len(w.Author) > 0 {
		if len(w.Author) != receipt.AuthorSize {
			return Scope{}, fmt.Errorf("antientropy: scope author is %d bytes", len(w.Author))
		}
		copy(s.Author[:], w.Author)
	}
	return s, nil
}

func idsToWire(ids []receipt.ID) [][]byte {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = id.Bytes()
	}
	return out
}

func idsFromWire(raw [][]byte, limit int) ([]receipt.ID, error) {
	if len(raw) > limit {
		return nil, fmt.Errorf("antientropy: %d ids, limit %d", len(raw), limit)
	}
	out := make([]receipt.ID, len(raw))
	for i, b := range raw {
		id, err := receipt.IDFromBytes(b)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

func EncodeScope(s Scope) ([]byte, error) { return encode(scopeToWire(s)) }

func DecodeScope(b []byte) (Scope, error) {
	var w wireScope
	if err := decode(b, &w); err != nil {
		return Scope{}, err
	}
	return scopeFromWire(w)
}
