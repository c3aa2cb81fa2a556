package receipt

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func testKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv
}

func mustSign(t *testing.T, priv ed25519.PrivateKey, schema string, refs []ID, payload []byte) *Receipt {
	t.Helper()
	r, err := Sign(priv, priv.Public().(ed25519.PublicKey), schema, refs, payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return r
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex: %v", err)
	}
	return b
}

func TestGoldenVectors(t *testing.T) {
	pub, priv := testKey(t)
	if got := hex.EncodeToString(pub); got != "03a107bff3ce10be1d70dd18e74bc09967e4d6309ba50d5f1ddc8664125531b8" {
		t.Fatalf("author mismatch: %s", got)
	}

	a := mustSign(t, priv, "test/v1", nil, []byte("hello"))
	signable, err := a.SignableBytes()
	if err != nil {
		t.Fatalf("SignableBytes: %v", err)
	}
	wantSignable := mustHex(t, "a464726566738066617574686f72582003a107bff3ce10be1d70dd18e74bc09967e4d6309ba50d5f1ddc8664125531b866736368656d6167746573742f7631677061796c6f61644568656c6c6f")
	if !bytes.Equal(signable, wantSignable) {
		t.Fatalf("signable bytes mismatch:\n got %x\nwant %x", signable, wantSignable)
	}
	if got := hex.EncodeToString(a.Signature); got != "da46e177e81f4b3b295e3c04328c112abce25ad80fe852cb380381a19c0f932fcfdd241c0ac560d63c5a92d9747e134bcedb59cce6aa652614db2b1be9795809" {
		t.Fatalf("signature mismatch: %s", got)
	}
	full, err := a.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	wantFull := mustHex(t, "a564726566738066617574686f72582003a107bff3ce10be1d70dd18e74bc09967e4d6309ba50d5f1ddc8664125531b866736368656d6167746573742f7631677061796c6f61644568656c6c6f697369676e61747572655840da46e177e81f4b3b295e3c04328c112abce25ad80fe852cb380381a19c0f932fcfdd241c0ac560d63c5a92d9747e134bcedb59cce6aa652614db2b1be9795809")
	if !bytes.Equal(full, wantFull) {
		t.Fatalf("full bytes mismatch:\n got %x\nwant %x", full, wantFull)
	}
	if got := a.ID().String(); got != "ec8f02ee5c5b39a96cd5c898d50dcf66e38d342ba15f438e91bacda43c49033b" {
		t.Fatalf("id mismatch: %s", got)
	}
	ca, err := ComputeContentAddress(a)
	if err != nil {
		t.Fatalf("ComputeContentAddress: %v", err)
	}
	if ca.String() != "bafyreih2fmgcfgiivcwbbrziasgne57yxhnh5zkvcw2bajb2pfk47tf5xy" {
		t.Fatalf("content address mismatch: %s", ca)
	}

	b := mustSign(t, priv, "test/v1", []ID{a.ID()}, []byte("world"))
	if got := hex.EncodeToString(b.Signature); got != "de4b4e2fde8237d74e41f24900eef6dc4bc4b37cd09f6f2c43b6ee9ab69fade9634bd696b8ac174ed011cdeaff7b66aaaf4d2378499810636d3089aee1cdda02" {
		t.Fatalf("signature(B) mismatch: %s", got)
	}
	if got := b.ID().String(); got != "54354f0108589de533c913f396efedf3091983e8bee18c9d7216ef4163d2078f" {
		t.Fatalf("id(B) mismatch: %s", got)
	}
}

func TestIdentityDiffersFromContentHash(t *testing.T) {
	_, priv := testKey(t)
	r := mustSign(t, priv, "test/v1", nil, []byte("x"))
	full, _ := r.Bytes()
	ca, err := ComputeContentAddress(r)
	if err != nil {
		t.Fatalf("ComputeContentAddress: %v", err)
	}
	id := r.ID()
	if bytes.Equal(ca.Hash()[2:], id[:]) {
		t.Fatalf("content address digest must not equal receipt id")
	}
	if IDOfBytes(full) != id {
		t.Fatalf("IDOfBytes disagrees with ComputeID")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	_, priv := testKey(t)
	parent := mustSign(t, priv, "note/v1", nil, nil)
	r := mustSign(t, priv, "note/v1", []ID{parent.ID()}, []byte("body"))
	if err := Verify(r); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	full, err := r.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	got, err := Parse(full)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.ID() != r.ID() {
		t.Fatalf("Parse changed identity")
	}
}

func TestSingleByteFlipFailsVerification(t *testing.T) {
	_, priv := testKey(t)
	ref := mustSign(t, priv, "s", nil, []byte("a"))
	r := mustSign(t, priv, "schema/v1", []ID{ref.ID()}, []byte("payload bytes"))
	full, err := r.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	for i := range full {
		for _, mask := range []byte{0x01, 0x80} {
			mut := append([]byte(nil), full...)
			mut[i] ^= mask
			if _, err := Parse(mut); err == nil {
				t.Fatalf("flip at byte %d (mask %#x) still parsed", i, mask)
			}
		}
	}
}

func TestSignNormalizesRefs(t *testing.T) {
	_, priv := testKey(t)
	x := mustSign(t, priv, "s", nil, []byte("x"))
	y := mustSign(t, priv, "s", nil, []byte("y"))
	r1 := mustSign(t, priv, "s", []ID{x.ID(), y.ID()}, nil)
	r2 := mustSign(t, priv, "s", []ID{y.ID(), x.ID()}, nil)
	if r1.ID() != r2.ID() {
		t.Fatalf("ref order changed identity")
	}
	if r1.Refs[0].Compare(r1.Refs[1]) >= 0 {
		t.Fatalf("refs not sorted")
	}

	_, err := Sign(priv, priv.Public().(ed25519.PublicKey), "s", []ID{x.ID(), x.ID()}, nil)
	if ReasonOf(err) != DuplicateRefs || !IsKind(err, KindValidation) {
		t.Fatalf("expected DuplicateRefs validation error, got %v", err)
	}
}

func TestSignRejectsForeignAuthor(t *testing.T) {
	_, priv := testKey(t)
	other := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{9}, ed25519.SeedSize))
	_, err := Sign(priv, other.Public().(ed25519.PublicKey), "s", nil, nil)
	if ReasonOf(err) != SignatureMismatch {
		t.Fatalf("expected SignatureMismatch, got %v", err)
	}
}

func TestVerifyFailureReasons(t *testing.T) {
	_, priv := testKey(t)
	base := mustSign(t, priv, "s", nil, []byte("p"))
	ref := base.ID()

	cases := []struct {
		name   string
		mutate func(r *Receipt)
		kind   Kind
		reason Reason
	}{
		{"SchemaTooLong", func(r *Receipt) { r.Schema = strings.Repeat("a", MaxSchemaLen+1) }, KindValidation, BadSchema},
		{"SchemaNotASCII", func(r *Receipt) { r.Schema = "schéma" }, KindValidation, BadSchema},
		{"ShortAuthor", func(r *Receipt) { r.Author = r.Author[:31] }, KindValidation, BadAuthorLength},
		{"ShortSignature", func(r *Receipt) { r.Signature = r.Signature[:63] }, KindValidation, BadSignatureLength},
		{"TooManyRefs", func(r *Receipt) {
			r.Refs = make([]ID, MaxRefs+1)
			for i := range r.Refs {
				r.Refs[i][0] = byte(i)
				r.Refs[i][1] = byte(i >> 8)
			}
		}, KindValidation, TooManyRefs},
		{"DuplicateRefs", func(r *Receipt) { r.Refs = []ID{ref, ref} }, KindValidation, DuplicateRefs},
		{"UnsortedRefs", func(r *Receipt) {
			var hi ID
			for i := range hi {
				hi[i] = 0xff
			}
			r.Refs = []ID{hi, ref}
		}, KindEncoding, MalformedEncoding},
		{"PayloadTooLarge", func(r *Receipt) { r.Payload = make([]byte, MaxPayloadLen+1) }, KindValidation, PayloadTooLarge},
		{"TamperedPayload", func(r *Receipt) { r.Payload = []byte("q") }, KindSignature, SignatureMismatch},
		{"MissingSignature", func(r *Receipt) { r.Signature = nil }, KindEncoding, MissingField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := *base
			tc.mutate(&r)
			err := Verify(&r)
			if err == nil {
				t.Fatalf("expected failure")
			}
			if !IsKind(err, tc.kind) || ReasonOf(err) != tc.reason {
				t.Fatalf("got kind/reason %v/%v (%v), want %v/%v", err.(*Error).Kind, ReasonOf(err), err, tc.kind, tc.reason)
			}
			if !errors.Is(err, &Error{Reason: tc.reason}) {
				t.Fatalf("errors.Is did not match reason %s", tc.reason)
			}
		})
	}
}

func TestEncodeRequiresAuthor(t *testing.T) {
	_, err := EncodeSignable(nil, "s", nil, nil)
	if !IsKind(err, KindEncoding) || ReasonOf(err) != MissingField {
		t.Fatalf("expected MissingField encoding error, got %v", err)
	}
	_, err = EncodeFull(make([]byte, 32), "s", nil, nil, nil)
	if ReasonOf(err) != MissingField {
		t.Fatalf("expected MissingField for signature, got %v", err)
	}
}

func TestEncodeSignableKeyOrder(t *testing.T) {
	b, err := EncodeSignable(make([]byte, 32), "s", nil, []byte{})
	if err != nil {
		t.Fatalf("EncodeSignable: %v", err)
	}
	// refs (0x64...) sorts before author/schema (0x66...) and payload (0x67...).
	iRefs := bytes.Index(b, []byte("\x64refs"))
	iAuthor := bytes.Index(b, []byte("\x66author"))
	iSchema := bytes.Index(b, []byte("\x66schema"))
	iPayload := bytes.Index(b, []byte("\x67payload"))
	if !(iRefs < iAuthor && iAuthor < iSchema && iSchema < iPayload) {
		t.Fatalf("unexpected key order in %x", b)
	}
	if b[0] != 0xa4 {
		t.Fatalf("expected 4-entry map header, got %#x", b[0])
	}
}

func TestDecodeRejectsNonCanonical(t *testing.T) {
	_, priv := testKey(t)
	r := mustSign(t, priv, "s", nil, []byte("p"))

	// Same logical content, keys in source order instead of canonical order.
	type loose struct {
		Author    []byte   `cbor:"author"`
		Schema    string   `cbor:"schema"`
		Refs      [][]byte `cbor:"refs"`
		Payload   []byte   `cbor:"payload"`
		Signature []byte   `cbor:"signature"`
	}
	em, err := cbor.EncOptions{}.EncMode()
	if err != nil {
		t.Fatalf("EncMode: %v", err)
	}
	b, err := em.Marshal(loose{Author: r.Author, Schema: r.Schema, Refs: [][]byte{}, Payload: r.Payload, Signature: r.Signature})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Decode(b); ReasonOf(err) != MalformedEncoding {
		t.Fatalf("expected MalformedEncoding for unsorted keys, got %v", err)
	}

	extra := map[string]interface{}{
		"refs": [][]byte{}, "author": []byte(r.Author), "schema": r.Schema,
		"payload": r.Payload, "signature": r.Signature, "extra": 1,
	}
	b, err = encMode.Marshal(extra)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Decode(b); ReasonOf(err) != ExtraField {
		t.Fatalf("expected ExtraField, got %v", err)
	}

	missing := map[string]interface{}{
		"refs": [][]byte{}, "author": []byte(r.Author), "schema": r.Schema, "payload": r.Payload,
	}
	b, err = encMode.Marshal(missing)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Decode(b); ReasonOf(err) != MissingField {
		t.Fatalf("expected MissingField, got %v", err)
	}

	badRef := map[string]interface{}{
		"refs": [][]byte{{1, 2, 3}}, "author": []byte(r.Author), "schema": r.Schema,
		"payload": r.Payload, "signature": r.Signature,
	}
	b, err = encMode.Marshal(badRef)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Decode(b); ReasonOf(err) != BadRefLength {
		t.Fatalf("expected BadRefLength, got %v", err)
	}

	full, _ := r.Bytes()
	if _, err := Decode(append(full, 0x00)); ReasonOf(err) != MalformedEncoding {
		t.Fatalf("expected MalformedEncoding for trailing bytes, got %v", err)
	}
}

func TestIDTextRoundTrip(t *testing.T) {
	_, priv := testKey(t)
	id := mustSign(t, priv, "s", nil, nil).ID()
	parsed, err := ParseID(id.String())
	if err != nil {
		t.Fatalf("ParseID: %v", err)
	}
	if parsed != id {
		t.Fatalf("ParseID mismatch")
	}
	if _, err := ParseID("abcd"); ReasonOf(err) != BadRefLength {
		t.Fatalf("expected BadRefLength for short id, got %v", err)
	}
}
