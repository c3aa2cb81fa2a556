package store

import (
	"context"
	"fmt"
	"sort"

	"xdao.co/receipts/receipt"
)

// Replicating writes every receipt to all configured backends.
//
// Reads fall back in order, like Multi. Use InsertAll when you need the
// per-backend outcome.
type Replicating struct {
	Backends []NamedStore
}

var _ Store = Replicating{}

// InsertAll inserts r into every backend and returns each backend's result.
//
// The aggregate result is the first backend's result, so concurrent inserts
// of one receipt still report exactly one Inserted. The first backend error
// aborts the write; backends already written keep the receipt,
// which is safe because inserts are idempotent.
func (r Replicating) InsertAll(ctx context.Context, rc *receipt.Receipt) (InsertResult, map[string]InsertResult, error) {
	if len(r.Backends) == 0 {
		return 0, nil, errNoStores
	}
	out := make(map[string]InsertResult, len(r.Backends))
	var agg InsertResult
	for i, b := range r.Backends {
		if b.Store == nil {
			return 0, out, fmt.Errorf("store: nil Store for backend %q", b.Name)
		}
		res, err := b.Store.InsertIfAbsent(ctx, rc)
		if err != nil {
			return 0, out, fmt.Errorf("store: backend %q: %w", b.Name, err)
		}
		out[b.Name] = res
		if i == 0 {
			agg = res
		}
	}
	return agg, out, nil
}

func (r Replicating) InsertIfAbsent(ctx context.Context, rc *receipt.Receipt) (InsertResult, error) {
	res, _, err := r.InsertAll(ctx, rc)
	return res, err
}

func (r Replicating) stores() []Store {
	out := make([]Store, 0, len(r.Backends))
	for _, b := range r.Backends {
		out = append(out, b.Store)
	}
	return out
}

func (r Replicating) Get(ctx context.Context, id receipt.ID) (*receipt.Receipt, error) {
	return getFirst(ctx, r.stores(), id)
}

func (r Replicating) Has(ctx context.Context, id receipt.ID) (bool, error) {
	return hasAny(ctx, r.stores(), id)
}

func (r Replicating) ListByAuthor(ctx context.Context, author receipt.Author) ([]*receipt.Receipt, error) {
	return unionReceipts(ctx, r.stores(), func(s Store) ([]*receipt.Receipt, error) { return s.ListByAuthor(ctx, author) })
}

func (r Replicating) ListReferencing(ctx context.Context, id receipt.ID) ([]*receipt.Receipt, error) {
	return unionReceipts(ctx, r.stores(), func(s Store) ([]*receipt.Receipt, error) { return s.ListReferencing(ctx, id) })
}

func (r Replicating) Authors(ctx context.Context) ([]receipt.Author, error) {
	return unionAuthors(ctx, r.stores())
}

func (r Replicating) IDs(ctx context.Context) ([]receipt.ID, error) {
	return unionIDs(ctx, r.stores())
}

func (r Replicating) Count(ctx context.Context) (int, error) {
	ids, err := unionIDs(ctx, r.stores())
	return len(ids), err
}

func sortAuthors(as []receipt.Author) {
	sort.Slice(as, func(i, j int) bool { return as[i].Compare(as[j]) < 0 })
}
