package headerhash

import (
	"testing"

	"github.com/speedexgo/speedex/pkg/block"
	"github.com/speedexgo/speedex/pkg/kv"
)

func testEnv(t *testing.T) *kv.Environment {
	t.Helper()
	store, err := kv.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store.Environment("headerhash")
}

func TestInsertRejectsGenesisAndOutOfOrder(t *testing.T) {
	m := New(testEnv(t))

	if err := m.Insert(0, block.Hash{1}); err == nil {
		t.Fatalf("expected error inserting genesis block")
	}
	if err := m.Insert(2, block.Hash{1}); err == nil {
		t.Fatalf("expected error inserting out-of-sequence block")
	}
	if err := m.Insert(1, block.Hash{1}); err != nil {
		t.Fatalf("Insert(1): %v", err)
	}
}

func TestPersistAndReload(t *testing.T) {
	env := testEnv(t)
	m := New(env)

	h1 := block.Hash{0x12, 0x34}
	h2 := block.Hash{0x12, 0x35}
	if err := m.Insert(1, h1); err != nil {
		t.Fatalf("Insert(1): %v", err)
	}
	if err := m.Insert(2, h2); err != nil {
		t.Fatalf("Insert(2): %v", err)
	}
	if err := m.Persist(2); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	reloaded, err := LoadFromDisk(env)
	if err != nil {
		t.Fatalf("LoadFromDisk: %v", err)
	}
	got, ok := reloaded.Get(2)
	if !ok {
		t.Fatalf("Get(2) not found after reload")
	}
	if got != h2 {
		t.Fatalf("Get(2) = %x, want %x", got, h2)
	}

	if err := reloaded.Insert(2, h2); err == nil {
		t.Fatalf("expected error re-inserting already-persisted block 2")
	}
}

func TestRollbackToCommittedRound(t *testing.T) {
	m := New(testEnv(t))
	if err := m.Insert(1, block.Hash{1}); err != nil {
		t.Fatalf("Insert(1): %v", err)
	}
	if err := m.Insert(2, block.Hash{2}); err != nil {
		t.Fatalf("Insert(2): %v", err)
	}
	if err := m.RollbackToCommittedRound(1); err != nil {
		t.Fatalf("RollbackToCommittedRound: %v", err)
	}
	if _, ok := m.Get(2); ok {
		t.Fatalf("block 2 still present after rollback")
	}
	if err := m.Insert(2, block.Hash{3}); err != nil {
		t.Fatalf("re-Insert(2) after rollback: %v", err)
	}
}
