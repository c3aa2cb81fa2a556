package store

import (
	"bytes"
	"context"
	"sync"

	"xdao.co/receipts/receipt"
)

// Memory is an in-process Store. The zero value is not usable; call NewMemory.
type Memory struct {
	mu       sync.RWMutex
	byID     map[receipt.ID]entry
	byAuthor map[receipt.Author][]receipt.ID
	refsTo   map[receipt.ID][]receipt.ID
}

type entry struct {
	r     *receipt.Receipt
	bytes []byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		byID:     make(map[receipt.ID]entry),
		byAuthor: make(map[receipt.Author][]receipt.ID),
		refsTo:   make(map[receipt.ID][]receipt.ID),
	}
}

func (m *Memory) InsertIfAbsent(ctx context.Context, r *receipt.Receipt) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b, err := r.Bytes()
	if err != nil {
		return 0, err
	}
	id := receipt.IDOfBytes(b)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byID[id]; ok {
		if !bytes.Equal(existing.bytes, b) {
			return 0, ErrImmutable
		}
		return AlreadyExists, nil
	}
	m.byID[id] = entry{r: r, bytes: b}
	a := r.AuthorKey()
	m.byAuthor[a] = append(m.byAuthor[a], id)
	for _, ref := range r.Refs {
		m.refsTo[ref] = append(m.refsTo[ref], id)
	}
	return Inserted, nil
}

func (m *Memory) Get(ctx context.Context, id receipt.ID) (*receipt.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.r, nil
}

func (m *Memory) Has(ctx context.Context, id receipt.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[id]
	return ok, nil
}

func (m *Memory) ListByAuthor(ctx context.Context, author receipt.Author) ([]*receipt.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byAuthor[author]), nil
}

func (m *Memory) ListReferencing(ctx context.Context, id receipt.ID) ([]*receipt.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.refsTo[id]), nil
}

func (m *Memory) Authors(ctx context.Context) ([]receipt.Author, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]receipt.Author, 0, len(m.byAuthor))
	for a := range m.byAuthor {
		out = append(out, a)
	}
	sortAuthors(out)
	return out, nil
}

func (m *Memory) IDs(ctx context.Context) ([]receipt.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]receipt.ID, 0, len(m.byID))
	for id := range m.byID {
		out = append(out, id)
	}
	receipt.SortIDs(out)
	return out, nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID), nil
}

// collect must be called with m.mu held.
func (m *Memory) collect(ids []receipt.ID) []*receipt.Receipt {
	sorted := append([]receipt.ID(nil), ids...)
	receipt.SortIDs(sorted)
	out := make([]*receipt.Receipt, 0, len(sorted))
	for _, id := range sorted {
		out = append(out, m.byID[id].r)
	}
	return out
}
