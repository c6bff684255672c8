package kv

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
)

// ReadTxn is a consistent point-in-time view into an environment, backed
// by a pebble snapshot so concurrent writers never perturb an in-flight
// read (spec.md §6 begin_read).
type ReadTxn struct {
	env  *Environment
	snap *pebble.Snapshot
}

// BeginRead opens a new read transaction.
func (e *Environment) BeginRead() *ReadTxn {
	return &ReadTxn{env: e, snap: e.store.db.NewSnapshot()}
}

// Get reads key as of the transaction's snapshot.
func (r *ReadTxn) Get(key []byte) ([]byte, error) {
	val, closer, err := r.snap.Get(r.env.namespacedKey(key))
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

// Close releases the underlying snapshot.
func (r *ReadTxn) Close() error {
	return r.snap.Close()
}

// WriteTxn batches puts/deletes for atomic commit, optionally tagged with
// a round number recorded in the same atomic batch (spec.md §6
// begin_write / commit_wtxn).
type WriteTxn struct {
	env   *Environment
	batch *pebble.Batch
}

// BeginWrite opens a new write transaction.
func (e *Environment) BeginWrite() *WriteTxn {
	return &WriteTxn{env: e, batch: e.store.db.NewBatch()}
}

// Put stages a key/value write.
func (w *WriteTxn) Put(key, value []byte) error {
	return w.batch.Set(w.env.namespacedKey(key), value, nil)
}

// Del stages a key deletion.
func (w *WriteTxn) Del(key []byte) error {
	return w.batch.Delete(w.env.namespacedKey(key), nil)
}

// Commit flushes the batch without updating the persisted-round counter.
func (w *WriteTxn) Commit() error {
	return w.batch.Commit(pebble.Sync)
}

// CommitWtxn atomically commits every staged put/delete together with the
// environment's new persisted round number, so a crash between them is
// impossible to observe: either both land or neither does.
func (w *WriteTxn) CommitWtxn(round uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)
	if err := w.batch.Set(w.env.roundKey(), buf[:], nil); err != nil {
		return err
	}
	return w.batch.Commit(pebble.Sync)
}
