// Package store defines the persistence contract for receipts and small
// composable implementations of it.
package store

import (
	"context"

	"xdao.co/receipts/receipt"
)

// InsertResult reports what InsertIfAbsent did.
type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already-exists"
	default:
		return "unknown"
	}
}

// Store is the persistence contract consumed by the kernel and sync engine.
//
// Contract:
//   - InsertIfAbsent MUST be compare-and-set per ReceiptId: concurrent inserts
//     of the same receipt yield exactly one Inserted.
//   - Stored receipts MUST be immutable and are never deleted through this API.
//   - Callers insert only receipts that passed receipt.Verify.
//   - Get MUST return ErrNotFound when the id is absent.
//   - List results are ordered by ReceiptId ascending.
type Store interface {
	InsertIfAbsent(ctx context.Context, r *receipt.Receipt) (InsertResult, error)
	Get(ctx context.Context, id receipt.ID) (*receipt.Receipt, error)
	Has(ctx context.Context, id receipt.ID) (bool, error)
	ListByAuthor(ctx context.Context, author receipt.Author) ([]*receipt.Receipt, error)
	ListReferencing(ctx context.Context, id receipt.ID) ([]*receipt.Receipt, error)
	Authors(ctx context.Context) ([]receipt.Author, error)
	IDs(ctx context.Context) ([]receipt.ID, error)
	Count(ctx context.Context) (int, error)
}

// NamedStore associates a Store with a stable backend name.
type NamedStore struct {
	Name  string
	Store Store
}
