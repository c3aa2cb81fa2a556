package receipt

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
)

// SigningMessage prefixes canonical signable bytes with SignatureDomain. The
// result is what an Ed25519 key signs.
func SigningMessage(signable []byte) []byte {
	msg := make([]byte, 0, len(SignatureDomain)+len(signable))
	msg = append(msg, SignatureDomain...)
	return append(msg, signable...)
}

// Sign normalizes refs, encodes the signable content and signs it.
//
// author must be the public half of priv.
func Sign(priv ed25519.PrivateKey, author ed25519.PublicKey, schema string, refs []ID, payload []byte) (*Receipt, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, newError(KindSignature, SignatureMismatch, fmt.Sprintf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv)))
	}
	norm, err := NormalizeRefs(refs)
	if err != nil {
		return nil, err
	}
	r := &Receipt{
		Schema:  schema,
		Refs:    norm,
		Payload: append([]byte{}, payload...),
	}
	if author != nil {
		r.Author = append(ed25519.PublicKey{}, author...)
	}
	if err := checkFields(r); err != nil {
		return nil, err
	}
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), author) {
		return nil, newError(KindSignature, SignatureMismatch, "author does not match signing key")
	}

	signable, err := r.SignableBytes()
	if err != nil {
		return nil, err
	}
	r.Signature = ed25519.Sign(priv, SigningMessage(signable))
	return r, nil
}

// Verify checks the shape of r and its signature under r.Author.
//
// Each failure carries a specific Reason; see Error.
func Verify(r *Receipt) error {
	if r == nil {
		return newError(KindEncoding, MissingField, "nil receipt")
	}
	if err := checkShape(r); err != nil {
		return err
	}
	signable, err := r.SignableBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(r.Author, SigningMessage(signable), r.Signature) {
		return newError(KindSignature, SignatureMismatch, "signature does not verify under author")
	}
	return nil
}

// Parse decodes wire bytes and verifies the result. It is the entry point for
// receipts from untrusted sources.
func Parse(data []byte) (*Receipt, error) {
	r, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := Verify(r); err != nil {
		return nil, err
	}
	return r, nil
}

// checkFields validates everything except the signature.
func checkFields(r *Receipt) error {
	if len(r.Schema) > MaxSchemaLen {
		return newError(KindValidation, BadSchema, fmt.Sprintf("schema is %d bytes, limit %d", len(r.Schema), MaxSchemaLen))
	}
	for i := 0; i < len(r.Schema); i++ {
		if r.Schema[i] > 0x7f {
			return newError(KindValidation, BadSchema, "schema is not ASCII")
		}
	}
	if r.Author == nil {
		return newError(KindEncoding, MissingField, "missing field "+keyAuthor)
	}
	if len(r.Author) != AuthorSize {
		return newError(KindValidation, BadAuthorLength, fmt.Sprintf("author must be %d bytes, got %d", AuthorSize, len(r.Author)))
	}
	if len(r.Refs) > MaxRefs {
		return newError(KindValidation, TooManyRefs, fmt.Sprintf("%d refs, limit %d", len(r.Refs), MaxRefs))
	}
	if err := checkRefsOrder(r.Refs); err != nil {
		return err
	}
	if len(r.Payload) > MaxPayloadLen {
		return newError(KindValidation, PayloadTooLarge, fmt.Sprintf("payload is %d bytes, limit %d", len(r.Payload), MaxPayloadLen))
	}
	return nil
}

func checkShape(r *Receipt) error {
	if err := checkFields(r); err != nil {
		return err
	}
	if r.Signature == nil {
		return newError(KindEncoding, MissingField, "missing field "+keySignature)
	}
	if len(r.Signature) != SignatureSize {
		return newError(KindValidation, BadSignatureLength, fmt.Sprintf("signature must be %d bytes, got %d", SignatureSize, len(r.Signature)))
	}
	return nil
}
