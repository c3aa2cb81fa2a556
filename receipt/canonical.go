package receipt

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// The encoding below is frozen. Changing any option here is a new protocol
// version, because ReceiptIds and signatures are computed over these bytes.
//
// Keys are ordered by the bytewise value of their encoded form (RFC 8949
// core deterministic encoding), which yields:
//
//	refs, author, schema, payload, signature
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.NilContainers = cbor.NilContainerAsEmpty
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em

	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		TagsMd:            cbor.TagsForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  MaxRefs * 2,
		MaxMapPairs:       16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

// Wire keys.
const (
	keyRefs      = "refs"
	keyAuthor    = "author"
	keySchema    = "schema"
	keyPayload   = "payload"
	keySignature = "signature"
)

type signableWire struct {
	Refs    [][]byte `cbor:"refs"`
	Author  []byte   `cbor:"author"`
	Schema  string   `cbor:"schema"`
	Payload []byte   `cbor:"payload"`
}

type fullWire struct {
	Refs      [][]byte `cbor:"refs"`
	Author    []byte   `cbor:"author"`
	Schema    string   `cbor:"schema"`
	Payload   []byte   `cbor:"payload"`
	Signature []byte   `cbor:"signature"`
}

func refsWire(refs []ID) [][]byte {
	out := make([][]byte, len(refs))
	for i := range refs {
		out[i] = refs[i][:]
	}
	return out
}

// EncodeSignable returns the canonical bytes covered by a receipt signature.
//
// refs are encoded in the order given; callers that have not normalized them
// will produce bytes that Verify rejects.
func EncodeSignable(author []byte, schema string, refs []ID, payload []byte) ([]byte, error) {
	if author == nil {
		return nil, newError(KindEncoding, MissingField, "missing field "+keyAuthor)
	}
	b, err := encMode.Marshal(signableWire{
		Refs:    refsWire(refs),
		Author:  author,
		Schema:  schema,
		Payload: payload,
	})
	if err != nil {
		return nil, wrapError(KindEncoding, MalformedEncoding, "encode signable", err)
	}
	return b, nil
}

// EncodeFull returns the canonical encoding of a complete receipt. It is the
// input to both the ReceiptId and the content address.
func EncodeFull(author []byte, schema string, refs []ID, payload, signature []byte) ([]byte, error) {
	if author == nil {
		return nil, newError(KindEncoding, MissingField, "missing field "+keyAuthor)
	}
	if signature == nil {
		return nil, newError(KindEncoding, MissingField, "missing field "+keySignature)
	}
	b, err := encMode.Marshal(fullWire{
		Refs:      refsWire(refs),
		Author:    author,
		Schema:    schema,
		Payload:   payload,
		Signature: signature,
	})
	if err != nil {
		return nil, wrapError(KindEncoding, MalformedEncoding, "encode receipt", err)
	}
	return b, nil
}

// Decode parses the full canonical encoding of a receipt and checks its shape.
// It does not verify the signature; see Parse.
//
// Input that is not exactly what EncodeFull would produce for the decoded
// fields is rejected with MalformedEncoding.
func Decode(data []byte) (*Receipt, error) {
	if len(data) > MaxEncodedLen {
		return nil, newError(KindValidation, PayloadTooLarge, fmt.Sprintf("encoded receipt is %d bytes, limit %d", len(data), MaxEncodedLen))
	}

	var fields map[string]cbor.RawMessage
	if err := decMode.Unmarshal(data, &fields); err != nil {
		return nil, wrapError(KindEncoding, MalformedEncoding, "decode receipt", err)
	}
	if err := checkKeySet(fields); err != nil {
		return nil, err
	}

	var w fullWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, wrapError(KindEncoding, MalformedEncoding, "decode receipt fields", err)
	}

	refs := make([]ID, 0, len(w.Refs))
	for i, raw := range w.Refs {
		if len(raw) != IDSize {
			return nil, newError(KindValidation, BadRefLength, fmt.Sprintf("ref %d is %d bytes, want %d", i, len(raw), IDSize))
		}
		var id ID
		copy(id[:], raw)
		refs = append(refs, id)
	}

	r := &Receipt{
		Author:    w.Author,
		Schema:    w.Schema,
		Refs:      refs,
		Payload:   w.Payload,
		Signature: w.Signature,
	}
	if err := checkShape(r); err != nil {
		return nil, err
	}

	again, err := EncodeFull(r.Author, r.Schema, r.Refs, r.Payload, r.Signature)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(again, data) {
		return nil, newError(KindEncoding, MalformedEncoding, "receipt bytes are not in canonical form")
	}
	return r, nil
}

func checkKeySet(fields map[string]cbor.RawMessage) error {
	for _, k := range []string{keyRefs, keyAuthor, keySchema, keyPayload, keySignature} {
		if _, ok := fields[k]; !ok {
			return newError(KindEncoding, MissingField, "missing field "+k)
		}
	}
	if len(fields) != 5 {
		for k := range fields {
			switch k {
			case keyRefs, keyAuthor, keySchema, keyPayload, keySignature:
			default:
				return newError(KindEncoding, ExtraField, fmt.Sprintf("unexpected field %q", k))
			}
		}
	}
	return nil
}
