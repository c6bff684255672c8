package kv

import (
	"bytes"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCommitWtxnRecordsRound(t *testing.T) {
	s := openTestStore(t)
	env := s.Environment("headerhash")

	wtxn := env.BeginWrite()
	wtxn.Put([]byte("k1"), []byte("v1"))
	if err := wtxn.CommitWtxn(7); err != nil {
		t.Fatalf("CommitWtxn: %v", err)
	}

	got, err := env.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("Get = %q, want v1", got)
	}

	round, err := env.PersistedRound()
	if err != nil {
		t.Fatalf("PersistedRound: %v", err)
	}
	if round != 7 {
		t.Fatalf("PersistedRound = %d, want 7", round)
	}
}

func TestEnvironmentsAreIsolated(t *testing.T) {
	s := openTestStore(t)
	a := s.Environment("a")
	b := s.Environment("b")

	wa := a.BeginWrite()
	wa.Put([]byte("shared"), []byte("from-a"))
	if err := wa.CommitWtxn(1); err != nil {
		t.Fatalf("CommitWtxn a: %v", err)
	}

	if _, err := b.Get([]byte("shared")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound in environment b, got %v", err)
	}
}

func TestReadTxnSeesSnapshotNotLaterWrites(t *testing.T) {
	s := openTestStore(t)
	env := s.Environment("db")

	w1 := env.BeginWrite()
	w1.Put([]byte("k"), []byte("v1"))
	if err := w1.CommitWtxn(1); err != nil {
		t.Fatalf("CommitWtxn: %v", err)
	}

	rtxn := env.BeginRead()
	defer rtxn.Close()

	w2 := env.BeginWrite()
	w2.Put([]byte("k"), []byte("v2"))
	if err := w2.CommitWtxn(2); err != nil {
		t.Fatalf("CommitWtxn: %v", err)
	}

	got, err := rtxn.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("snapshot read = %q, want v1 (should not see w2's commit)", got)
	}
}

func TestPersistedRoundNotFoundBeforeFirstCommit(t *testing.T) {
	s := openTestStore(t)
	env := s.Environment("fresh")
	if _, err := env.PersistedRound(); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
