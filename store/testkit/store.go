// Package testkit holds the conformance suite every store.Store backend must
// pass, plus helpers for minting receipts in tests.
package testkit

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"sync"
	"testing"

	"xdao.co/receipts/receipt"
	"xdao.co/receipts/store"
)

// NewStore constructs a fresh, empty Store for a test.
// The returned Store MUST be isolated from other tests.
type NewStore func(t *testing.T) store.Store

// Key returns a deterministic Ed25519 key derived from b.
func Key(b byte) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(bytes.Repeat([]byte{b}, ed25519.SeedSize))
}

// Sign signs a receipt or fails the test.
func Sign(t testing.TB, priv ed25519.PrivateKey, schema string, refs []receipt.ID, payload []byte) *receipt.Receipt {
	t.Helper()
	r, err := receipt.Sign(priv, priv.Public().(ed25519.PublicKey), schema, refs, payload)
	if err != nil {
		t.Fatalf("receipt.Sign: %v", err)
	}
	return r
}

func RunStoreConformance(t *testing.T, newStore NewStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("InsertGetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		r := Sign(t, Key(1), "test/v1", nil, []byte("hello"))

		res, err := s.InsertIfAbsent(ctx, r)
		if err != nil {
			t.Fatalf("InsertIfAbsent failed: %v", err)
		}
		if res != store.Inserted {
			t.Fatalf("InsertIfAbsent: got %v want Inserted", res)
		}
		got, err := s.Get(ctx, r.ID())
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.ID() != r.ID() {
			t.Fatalf("Get returned a different receipt")
		}
		if err := receipt.Verify(got); err != nil {
			t.Fatalf("stored receipt no longer verifies: %v", err)
		}
	})

	t.Run("InsertIdempotent", func(t *testing.T) {
		s := newStore(t)
		r := Sign(t, Key(1), "test/v1", nil, []byte("same"))

		first, err := s.InsertIfAbsent(ctx, r)
		if err != nil {
			t.Fatalf("InsertIfAbsent(1) failed: %v", err)
		}
		second, err := s.InsertIfAbsent(ctx, r)
		if err != nil {
			t.Fatalf("InsertIfAbsent(2) failed: %v", err)
		}
		if first != store.Inserted || second != store.AlreadyExists {
			t.Fatalf("got %v then %v, want Inserted then AlreadyExists", first, second)
		}
		n, err := s.Count(ctx)
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if n != 1 {
			t.Fatalf("Count: got %d want 1", n)
		}
	})

	t.Run("HasAndNotFound", func(t *testing.T) {
		s := newStore(t)
		r := Sign(t, Key(1), "test/v1", nil, []byte("missing"))

		ok, err := s.Has(ctx, r.ID())
		if err != nil || ok {
			t.Fatalf("Has on empty store: got %v, %v", ok, err)
		}
		if _, err := s.Get(ctx, r.ID()); !store.IsNotFound(err) {
			t.Fatalf("Get missing: got err=%v want ErrNotFound", err)
		}
		if _, err := s.InsertIfAbsent(ctx, r); err != nil {
			t.Fatalf("InsertIfAbsent failed: %v", err)
		}
		ok, err = s.Has(ctx, r.ID())
		if err != nil || !ok {
			t.Fatalf("Has after insert: got %v, %v", ok, err)
		}
	})

	t.Run("ListByAuthorAndReferencing", func(t *testing.T) {
		s := newStore(t)
		alice, bob := Key(1), Key(2)
		a := Sign(t, alice, "test/v1", nil, []byte("a"))
		b := Sign(t, alice, "test/v1", []receipt.ID{a.ID()}, []byte("b"))
		c := Sign(t, bob, "test/v1", []receipt.ID{a.ID()}, []byte("c"))
		for _, r := range []*receipt.Receipt{c, b, a} {
			if _, err := s.InsertIfAbsent(ctx, r); err != nil {
				t.Fatalf("InsertIfAbsent failed: %v", err)
			}
		}

		aliceKey, _ := receipt.AuthorOf(alice.Public().(ed25519.PublicKey))
		byAlice, err := s.ListByAuthor(ctx, aliceKey)
		if err != nil {
			t.Fatalf("ListByAuthor failed: %v", err)
		}
		if !sameIDs(byAlice, a, b) {
			t.Fatalf("ListByAuthor: unexpected result %v", byAlice)
		}

		refsA, err := s.ListReferencing(ctx, a.ID())
		if err != nil {
			t.Fatalf("ListReferencing failed: %v", err)
		}
		if !sameIDs(refsA, b, c) {
			t.Fatalf("ListReferencing: unexpected result %v", refsA)
		}
		for i := 1; i < len(refsA); i++ {
			if refsA[i-1].ID().Compare(refsA[i].ID()) >= 0 {
				t.Fatalf("ListReferencing not ordered by id")
			}
		}

		authors, err := s.Authors(ctx)
		if err != nil {
			t.Fatalf("Authors failed: %v", err)
		}
		if len(authors) != 2 {
			t.Fatalf("Authors: got %d want 2", len(authors))
		}
		ids, err := s.IDs(ctx)
		if err != nil {
			t.Fatalf("IDs failed: %v", err)
		}
		if len(ids) != 3 {
			t.Fatalf("IDs: got %d want 3", len(ids))
		}
	})

	t.Run("ConcurrentInsertSameReceipt", func(t *testing.T) {
		s := newStore(t)
		r := Sign(t, Key(3), "test/v1", nil, []byte("race"))

		const workers = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			inserted int
			errs     []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.InsertIfAbsent(ctx, r)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if res == store.Inserted {
					inserted++
				}
			}()
		}
		wg.Wait()
		if len(errs) > 0 {
			t.Fatalf("concurrent insert errors: %v", errs)
		}
		if inserted != 1 {
			t.Fatalf("concurrent insert: %d Inserted results, want exactly 1", inserted)
		}
	})
}

func sameIDs(got []*receipt.Receipt, want ...*receipt.Receipt) bool {
	if len(got) != len(want) {
		return false
	}
	set := make(map[receipt.ID]bool, len(want))
	for _, w := range want {
		set[w.ID()] = true
	}
	for _, g := range got {
		if !set[g.ID()] {
			return false
		}
	}
	return true
}
