package dag

import (
	"crypto/sha256"
	"strconv"

	"github.com/fxamacker/cbor/v2"

	"xdao.co/receipts/receipt"
)

// Position is a causal position an author declares for a receipt. Two
// different receipts by one author with equal positions are a fork.
//
// Pred is opaque to the tracker; conventions choose its encoding.
type Position struct {
	Stream string
	Pred   string
}

// Convention maps a receipt to the position it declares. Stream positions are
// an author-chosen convention over refs; the tracker does not assume any
// particular one.
type Convention interface {
	Position(r *receipt.Receipt) (Position, bool)
}

// ConventionFunc adapts a function to Convention.
type ConventionFunc func(r *receipt.Receipt) (Position, bool)

func (f ConventionFunc) Position(r *receipt.Receipt) (Position, bool) { return f(r) }

const predDomain = "receipt-predecessor-v1"

// PredecessorConvention treats the schema as the stream and the full ref set
// as the declared predecessor. Two receipts from one author, in one schema,
// extending exactly the same refs, occupy the same position. A zero-ref
// receipt declares the stream's genesis.
//
// So two unrelated zero-ref receipts from one author in one schema are a
// fork, and Head refuses that author from then on. Authors that start many
// independent roots should vary the schema, or track with SequenceConvention
// or NoConvention.
var PredecessorConvention Convention = ConventionFunc(func(r *receipt.Receipt) (Position, bool) {
	h := sha256.New()
	_, _ = h.Write([]byte(predDomain))
	for _, ref := range r.Refs {
		_, _ = h.Write(ref[:])
	}
	return Position{Stream: r.Schema, Pred: string(h.Sum(nil))}, true
})

// NoConvention declares no positions; the tracker then never reports forks.
var NoConvention Convention = ConventionFunc(func(*receipt.Receipt) (Position, bool) {
	return Position{}, false
})

type seqHeader struct {
	Seq    *uint64 `cbor:"seq"`
	Stream string  `cbor:"stream"`
}

// SequenceConvention reads a positional sequence number from payloads that
// are CBOR maps carrying a "seq" key (and optionally "stream"). Receipts whose
// payload carries no sequence declare no position.
var SequenceConvention Convention = ConventionFunc(func(r *receipt.Receipt) (Position, bool) {
	var h seqHeader
	if err := cbor.Unmarshal(r.Payload, &h); err != nil || h.Seq == nil {
		return Position{}, false
	}
	stream := r.Schema
	if h.Stream != "" {
		stream += "#" + h.Stream
	}
	return Position{Stream: stream, Pred: "seq:" + strconv.FormatUint(*h.Seq, 10)}, true
})

// SequencePayload encodes a payload understood by SequenceConvention.
func SequencePayload(stream string, seq uint64, body []byte) ([]byte, error) {
	return payloadMode.Marshal(struct {
		Seq    uint64 `cbor:"seq"`
		Stream string `cbor:"stream,omitempty"`
		Body   []byte `cbor:"body,omitempty"`
	}{Seq: seq, Stream: stream, Body: body})
}
