// Package sqlite is a store.Store backed by a single SQLite database file.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"xdao.co/receipts/receipt"
	"xdao.co/receipts/store"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - receipts + receipt_refs
const currentSchemaVersion = 1

// Store persists receipts in SQLite with WAL mode.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open creates or opens a database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time. A single connection also serializes
	// insert-if-absent per id without extra locking.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

func (s *Store) InsertIfAbsent(ctx context.Context, r *receipt.Receipt) (store.InsertResult, error) {
	b, err := r.Bytes()
	if err != nil {
		return 0, err
	}
	id := receipt.IDOfBytes(b)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO receipts (id, author, schema, bytes) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id[:], []byte(r.Author), r.Schema, b)
	if err != nil {
		return 0, fmt.Errorf("insert receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		var existing []byte
		if err := tx.QueryRowContext(ctx, `SELECT bytes FROM receipts WHERE id = ?`, id[:]).Scan(&existing); err != nil {
			return 0, fmt.Errorf("read existing receipt: %w", err)
		}
		if !bytes.Equal(existing, b) {
			return 0, store.ErrImmutable
		}
		return store.AlreadyExists, nil
	}

	for _, ref := range r.Refs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO receipt_refs (id, ref) VALUES (?, ?)`, id[:], ref[:]); err != nil {
			return 0, fmt.Errorf("insert ref: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return store.Inserted, nil
}

func (s *Store) Get(ctx context.Context, id receipt.ID) (*receipt.Receipt, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT bytes FROM receipts WHERE id = ?`, id[:]).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeStored(id, b)
}

func (s *Store) Has(ctx context.Context, id receipt.ID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM receipts WHERE id = ?`, id[:]).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ListByAuthor(ctx context.Context, author receipt.Author) ([]*receipt.Receipt, error) {
	return s.queryReceipts(ctx, `SELECT id, bytes FROM receipts WHERE author = ? ORDER BY id`, author[:])
}

func (s *Store) ListReferencing(ctx context.Context, id receipt.ID) ([]*receipt.Receipt, error) {
	return s.queryReceipts(ctx,
		`SELECT r.id, r.bytes FROM receipt_refs x JOIN receipts r ON r.id = x.id
		 WHERE x.ref = ? ORDER BY r.id`, id[:])
}

func (s *Store) Authors(ctx context.Context) ([]receipt.Author, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT author FROM receipts ORDER BY author`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []receipt.Author
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		a, err := receipt.AuthorOf(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) IDs(ctx context.Context) ([]receipt.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM receipts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []receipt.ID
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		id, err := receipt.IDFromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts`).Scan(&n)
	return n, err
}

func (s *Store) queryReceipts(ctx context.Context, query string, args ...any) ([]*receipt.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*receipt.Receipt
	for rows.Next() {
		var idb, b []byte
		if err := rows.Scan(&idb, &b); err != nil {
			return nil, err
		}
		id, err := receipt.IDFromBytes(idb)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
		}
		r, err := decodeStored(id, b)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// decodeStored re-verifies bytes read back from disk.
func decodeStored(id receipt.ID, b []byte) (*receipt.Receipt, error) {
	if receipt.IDOfBytes(b) != id {
		return nil, store.ErrCorrupt
	}
	r, err := receipt.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
	}
	return r, nil
}
