package store

import (
	"context"
	"errors"

	"xdao.co/receipts/receipt"
)

// Multi provides deterministic, ordered fallback across several stores.
//
// Reads try Stores in slice order; callers MUST supply a fixed order. Inserts
// go only to the first store. List operations return the union, deduplicated
// by ReceiptId.
type Multi struct {
	Stores []Store
}

var _ Store = Multi{}

var errNoStores = errors.New("store: no backends configured")

func (m Multi) InsertIfAbsent(ctx context.Context, r *receipt.Receipt) (InsertResult, error) {
	if len(m.Stores) == 0 {
		return 0, errNoStores
	}
	return m.Stores[0].InsertIfAbsent(ctx, r)
}

func (m Multi) Get(ctx context.Context, id receipt.ID) (*receipt.Receipt, error) {
	return getFirst(ctx, m.Stores, id)
}

func (m Multi) Has(ctx context.Context, id receipt.ID) (bool, error) {
	return hasAny(ctx, m.Stores, id)
}

func (m Multi) ListByAuthor(ctx context.Context, author receipt.Author) ([]*receipt.Receipt, error) {
	return unionReceipts(ctx, m.Stores, func(s Store) ([]*receipt.Receipt, error) { return s.ListByAuthor(ctx, author) })
}

func (m Multi) ListReferencing(ctx context.Context, id receipt.ID) ([]*receipt.Receipt, error) {
	return unionReceipts(ctx, m.Stores, func(s Store) ([]*receipt.Receipt, error) { return s.ListReferencing(ctx, id) })
}

func (m Multi) Authors(ctx context.Context) ([]receipt.Author, error) {
	return unionAuthors(ctx, m.Stores)
}

func (m Multi) IDs(ctx context.Context) ([]receipt.ID, error) {
	return unionIDs(ctx, m.Stores)
}

func (m Multi) Count(ctx context.Context) (int, error) {
	ids, err := unionIDs(ctx, m.Stores)
	return len(ids), err
}

func getFirst(ctx context.Context, stores []Store, id receipt.ID) (*receipt.Receipt, error) {
	for _, s := range stores {
		if s == nil {
			continue
		}
		r, err := s.Get(ctx, id)
		if err == nil {
			return r, nil
		}
		if IsNotFound(err) {
			continue
		}
		return nil, err
	}
	return nil, ErrNotFound
}

func hasAny(ctx context.Context, stores []Store, id receipt.ID) (bool, error) {
	for _, s := range stores {
		if s == nil {
			continue
		}
		ok, err := s.Has(ctx, id)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func unionReceipts(ctx context.Context, stores []Store, list func(Store) ([]*receipt.Receipt, error)) ([]*receipt.Receipt, error) {
	seen := make(map[receipt.ID]*receipt.Receipt)
	for _, s := range stores {
		if s == nil {
			continue
		}
		rs, err := list(s)
		if err != nil {
			return nil, err
		}
		for _, r := range rs {
			id := r.ID()
			if _, ok := seen[id]; !ok {
				seen[id] = r
			}
		}
	}
	ids := make([]receipt.ID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	receipt.SortIDs(ids)
	out := make([]*receipt.Receipt, 0, len(ids))
	for _, id := range ids {
		out = append(out, seen[id])
	}
	return out, ctx.Err()
}

func unionIDs(ctx context.Context, stores []Store) ([]receipt.ID, error) {
	seen := make(map[receipt.ID]struct{})
	for _, s := range stores {
		if s == nil {
			continue
		}
		ids, err := s.IDs(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	out := make([]receipt.ID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	receipt.SortIDs(out)
	return out, nil
}

func unionAuthors(ctx context.Context, stores []Store) ([]receipt.Author, error) {
	seen := make(map[receipt.Author]struct{})
	var out []receipt.Author
	for _, s := range stores {
		if s == nil {
			continue
		}
		as, err := s.Authors(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range as {
			if _, ok := seen[a]; !ok {
				seen[a] = struct{}{}
				out = append(out, a)
			}
		}
	}
	sortAuthors(out)
	return out, nil
}
