// Package kv implements the exchange's KV "environment" abstraction: one
// namespace per subsystem (db, header-hash-map, each orderbook) sharing a
// single on-disk pebble instance, each with its own persisted-round
// counter and atomic write-transaction commit (spec.md §6 "KV persistence
// layout").
package kv

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// ErrNotFound is returned by Get/PersistedRound when the key is absent.
var ErrNotFound = errors.New("kv: not found")

// Store owns the single shared pebble instance every Environment is
// namespaced over.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if necessary) the pebble instance at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying pebble instance.
func (s *Store) Close() error {
	return s.db.Close()
}

// Environment returns the namespace identified by name, isolated from
// every other environment by a key prefix.
func (s *Store) Environment(name string) *Environment {
	return &Environment{store: s, prefix: append([]byte(name), ':')}
}

// Environment is one subsystem's namespace: a key prefix over the shared
// store, plus its own persisted-round counter.
type Environment struct {
	store  *Store
	prefix []byte
}

func (e *Environment) namespacedKey(key []byte) []byte {
	out := make([]byte, 0, len(e.prefix)+len(key))
	out = append(out, e.prefix...)
	out = append(out, key...)
	return out
}

// roundKey is a reserved key within the namespace holding the
// most-recently-committed round number. It is the single byte 0x00 after
// the prefix, in the same key space as caller keys: a caller key equal to
// that one byte would overwrite the round record.
func (e *Environment) roundKey() []byte {
	return e.namespacedKey([]byte{0x00})
}

// Get returns the value stored at key in this environment's latest
// committed state (no transaction isolation - equivalent to a point-in-time
// read against the shared db).
func (e *Environment) Get(key []byte) ([]byte, error) {
	val, closer, err := e.store.db.Get(e.namespacedKey(key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// (the same one-byte-increment idiom used elsewhere in this codebase for
// bounding a pebble iterator to one key prefix).
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// ScanPrefix iterates every key/value pair in this environment whose
// namespace-relative key starts with prefix, in ascending order, stopping
// at the first error fn returns.
func (e *Environment) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	nsPrefix := e.namespacedKey(prefix)
	iter, err := e.store.db.NewIter(&pebble.IterOptions{
		LowerBound: nsPrefix,
		UpperBound: keyUpperBound(nsPrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := append([]byte(nil), iter.Key()[len(e.prefix):]...)
		value := append([]byte(nil), iter.Value()...)
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return iter.Error()
}

// PersistedRound returns the last round number committed via CommitWtxn,
// or ErrNotFound if this environment has never been committed.
func (e *Environment) PersistedRound() (uint64, error) {
	val, err := e.Get([]byte{0x00})
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("kv: corrupt round record (len %d)", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}
