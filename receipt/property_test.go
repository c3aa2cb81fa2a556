package receipt

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"pgregory.net/rapid"
)

func genID() *rapid.Generator[ID] {
	return rapid.Custom(func(t *rapid.T) ID {
		var id ID
		copy(id[:], rapid.SliceOfN(rapid.Byte(), IDSize, IDSize).Draw(t, "id"))
		return id
	})
}

func genRefs(min, max int) *rapid.Generator[[]ID] {
	return rapid.SliceOfNDistinct(genID(), min, max, func(id ID) ID { return id })
}

func TestNormalizeRefsPermutationInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		refs := genRefs(0, 24).Draw(t, "refs")
		want, err := NormalizeRefs(refs)
		if err != nil {
			t.Fatalf("NormalizeRefs: %v", err)
		}
		perm := rapid.Permutation(refs).Draw(t, "perm")
		got, err := NormalizeRefs(perm)
		if err != nil {
			t.Fatalf("NormalizeRefs(perm): %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("length changed: %d vs %d", len(got), len(want))
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("permutation changed normalized refs at %d", i)
			}
			if i > 0 && got[i-1].Compare(got[i]) >= 0 {
				t.Fatalf("refs not strictly ascending at %d", i)
			}
		}
	})
}

func TestNormalizeRefsRejectsAnyDuplicate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		refs := genRefs(1, 24).Draw(t, "refs")
		dup := rapid.SampledFrom(refs).Draw(t, "dup")
		withDup := rapid.Permutation(append(append([]ID(nil), refs...), dup)).Draw(t, "perm")
		_, err := NormalizeRefs(withDup)
		if ReasonOf(err) != DuplicateRefs {
			t.Fatalf("expected DuplicateRefs, got %v", err)
		}
	})
}

func TestSignVerifyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		seed := rapid.SliceOfN(rapid.Byte(), ed25519.SeedSize, ed25519.SeedSize).Draw(t, "seed")
		priv := ed25519.NewKeyFromSeed(seed)
		pub := priv.Public().(ed25519.PublicKey)
		schema := rapid.StringMatching(`[a-z0-9./-]{0,40}`).Draw(t, "schema")
		refs := genRefs(0, 8).Draw(t, "refs")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "payload")

		r, err := Sign(priv, pub, schema, refs, payload)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if err := Verify(r); err != nil {
			t.Fatalf("Verify: %v", err)
		}

		s1, err := EncodeSignable(pub, schema, r.Refs, payload)
		if err != nil {
			t.Fatalf("EncodeSignable: %v", err)
		}
		s2, _ := r.SignableBytes()
		if !bytes.Equal(s1, s2) {
			t.Fatalf("signable bytes not deterministic")
		}

		full, err := r.Bytes()
		if err != nil {
			t.Fatalf("Bytes: %v", err)
		}
		back, err := Parse(full)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if back.ID() != r.ID() {
			t.Fatalf("identity changed across decode")
		}

		i := rapid.IntRange(0, len(full)-1).Draw(t, "flip")
		full[i] ^= 0x01
		if _, err := Parse(full); err == nil {
			t.Fatalf("flipped byte %d still verifies", i)
		}
	})
}
