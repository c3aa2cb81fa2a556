package store

import "errors"

var (
	ErrNotFound  = errors.New("store: not found")
	ErrImmutable = errors.New("store: immutable object mismatch")
	ErrCorrupt   = errors.New("store: stored receipt failed verification")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
