package ledger

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
	return store.Environment("db")
}

func TestCommitForProductionChangesHashUntilRollback(t *testing.T) {
	l := New(testEnv(t))
	before := l.Hash()

	if err := l.CommitForProduction(1); err != nil {
		t.Fatalf("CommitForProduction: %v", err)
	}
	if l.Hash() == before {
		t.Fatalf("expected Hash to change once a round is staged")
	}

	if err := l.RollbackThunks(1); err != nil {
		t.Fatalf("RollbackThunks: %v", err)
	}
	if l.Hash() != before {
		t.Fatalf("expected Hash to revert after rollback")
	}
}

func TestPersistBlockThenLoadFromDiskRecoversIt(t *testing.T) {
	env := testEnv(t)
	l := New(env)

	b := block.Block{BlockNumber: 1, FeeRate: 10}
	if err := l.CommitForProduction(1); err != nil {
		t.Fatalf("CommitForProduction: %v", err)
	}
	committedHash := l.Hash()

	if err := l.PersistBlock(b); err != nil {
		t.Fatalf("PersistBlock: %v", err)
	}
	if l.Hash() != committedHash {
		t.Fatalf("expected the staged commitment to become durable on persist")
	}

	last, ok, err := l.LastCommittedBlock()
	if err != nil {
		t.Fatalf("LastCommittedBlock: %v", err)
	}
	if !ok || last.BlockNumber != 1 {
		t.Fatalf("LastCommittedBlock = %+v, %v, want block 1", last, ok)
	}

	reloaded, err := LoadFromDisk(env)
	if err != nil {
		t.Fatalf("LoadFromDisk: %v", err)
	}
	recovered, ok, err := reloaded.LastCommittedBlock()
	if err != nil {
		t.Fatalf("LastCommittedBlock after reload: %v", err)
	}
	if !ok || recovered.BlockNumber != 1 || recovered.FeeRate != 10 {
		t.Fatalf("recovered block = %+v, %v, want the persisted block", recovered, ok)
	}
}

func TestLoadFromDiskOnEmptyEnvironmentHasNothing(t *testing.T) {
	l, err := LoadFromDisk(testEnv(t))
	if err != nil {
		t.Fatalf("LoadFromDisk: %v", err)
	}
	if _, ok, _ := l.LastCommittedBlock(); ok {
		t.Fatalf("expected no last committed block on an empty environment")
	}
}
