// Package localfs is a store.Store that keeps each receipt as an immutable
// file named by its content address.
package localfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ipfs/go-cid"

	"xdao.co/receipts/cidutil"
	"xdao.co/receipts/receipt"
	"xdao.co/receipts/store"
)

// Store is a local filesystem-backed receipt store.
//
// Files are written once with O_EXCL and never modified. Author and reference
// indexes are kept in memory and rebuilt from the files on Open. This
// implementation never uses the network and never depends on wall-clock time.
type Store struct {
	root string

	// mu serializes inserts so a reader never observes a partially written file
	// of a concurrent inserter, and guards idx.
	mu  sync.RWMutex
	idx *store.Memory
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) a store rooted at root and loads every receipt
// found there. Files that fail verification abort the open with ErrCorrupt.
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("localfs: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	s := &Store{root: root, idx: store.NewMemory()}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	ctx := context.Background()
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		want, err := cidutil.Parse(d.Name())
		if err != nil {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		r, err := verifyBlock(b, want)
		if err != nil {
			return fmt.Errorf("localfs: %s: %w", path, err)
		}
		_, err = s.idx.InsertIfAbsent(ctx, r)
		return err
	})
}

func (s *Store) InsertIfAbsent(ctx context.Context, r *receipt.Receipt) (store.InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b, err := r.Bytes()
	if err != nil {
		return 0, err
	}
	id, err := cidutil.CIDv1DagCBORSHA256CID(b)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if os.IsExist(err) {
			existing, rerr := os.ReadFile(path)
			if rerr != nil || !bytes.Equal(existing, b) {
				// An unreadable or different file under the same address is an
				// immutability violation.
				return 0, store.ErrImmutable
			}
			return store.AlreadyExists, nil
		}
		return 0, err
	}
	defer f.Close()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return 0, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return 0, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return 0, err
	}

	if _, err := s.idx.InsertIfAbsent(ctx, r); err != nil {
		return 0, err
	}
	return store.Inserted, nil
}

func (s *Store) Get(ctx context.Context, id receipt.ID) (*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.Get(ctx, id)
}

// GetBytes returns the stored bytes for a content address, re-checking them
// against it.
func (s *Store) GetBytes(id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, fmt.Errorf("localfs: undefined cid")
	}
	b, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := cidutil.Check(b, id); err != nil {
		return nil, store.ErrCorrupt
	}
	return b, nil
}

func (s *Store) Has(ctx context.Context, id receipt.ID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.Has(ctx, id)
}

func (s *Store) ListByAuthor(ctx context.Context, author receipt.Author) ([]*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.ListByAuthor(ctx, author)
}

func (s *Store) ListReferencing(ctx context.Context, id receipt.ID) ([]*receipt.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.ListReferencing(ctx, id)
}

func (s *Store) Authors(ctx context.Context) ([]receipt.Author, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.Authors(ctx)
}

func (s *Store) IDs(ctx context.Context) ([]receipt.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.IDs(ctx)
}

func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.Count(ctx)
}

// pathFor shards on the tail of the CID string; every receipt address shares
// the same "bafyrei" head.
func (s *Store) pathFor(id cid.Cid) string {
	str := id.String()
	if len(str) < 2 {
		return filepath.Join(s.root, str)
	}
	return filepath.Join(s.root, str[len(str)-2:], str)
}

func verifyBlock(b []byte, want cid.Cid) (*receipt.Receipt, error) {
	if err := cidutil.Check(b, want); err != nil {
		return nil, store.ErrCorrupt
	}
	r, err := receipt.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
	}
	return r, nil
}
