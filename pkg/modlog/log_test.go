package modlog

import (
	"encoding/binary"
	"testing"
)

func TestAddIdentifierSelfMergesAcrossCalls(t *testing.T) {
	l := New()
	if err := l.AddIdentifierSelf(7, 1, false); err != nil {
		t.Fatalf("AddIdentifierSelf: %v", err)
	}
	if err := l.AddIdentifierSelf(7, 2, false); err != nil {
		t.Fatalf("AddIdentifierSelf: %v", err)
	}
	e, ok := l.Get(7)
	if !ok {
		t.Fatalf("expected entry for account 7")
	}
	if len(e.selfIDs) != 2 {
		t.Fatalf("expected 2 self ids, got %d", len(e.selfIDs))
	}
}

func TestAddTxSelfRejectsDuplicateSequenceNumber(t *testing.T) {
	l := New()
	tx := SignedTransaction{SequenceNumber: 5, Payload: []byte("a")}
	if err := l.AddTxSelf(3, tx, false); err != nil {
		t.Fatalf("AddTxSelf: %v", err)
	}
	dup := SignedTransaction{SequenceNumber: 5, Payload: []byte("b")}
	if err := l.AddTxSelf(3, dup, false); err == nil {
		t.Fatalf("expected error on duplicate sequence number")
	}
}

func TestAddIdentifierOtherAccumulates(t *testing.T) {
	l := New()
	if err := l.AddIdentifierOther(1, TxIdentifier{Owner: 2, SequenceNumber: 9}, false); err != nil {
		t.Fatalf("AddIdentifierOther: %v", err)
	}
	if err := l.AddIdentifierOther(1, TxIdentifier{Owner: 3, SequenceNumber: 1}, false); err != nil {
		t.Fatalf("AddIdentifierOther: %v", err)
	}
	e, ok := l.Get(1)
	if !ok {
		t.Fatalf("expected entry for account 1")
	}
	if len(e.otherIDs) != 2 {
		t.Fatalf("expected 2 other ids, got %d", len(e.otherIDs))
	}
}

func TestHashDeterministicRegardlessOfInsertOrder(t *testing.T) {
	a := New()
	a.AddIdentifierSelf(1, 1, false)
	a.AddIdentifierSelf(1, 2, false)
	a.AddIdentifierSelf(2, 1, false)

	b := New()
	b.AddIdentifierSelf(2, 1, false)
	b.AddIdentifierSelf(1, 2, false)
	b.AddIdentifierSelf(1, 1, false)

	if a.Hash() != b.Hash() {
		t.Fatalf("hash depends on insertion order")
	}
}

func TestDoRollbackUndoesMarkedInserts(t *testing.T) {
	l := New()
	if err := l.AddIdentifierSelf(1, 1, false); err != nil {
		t.Fatalf("AddIdentifierSelf: %v", err)
	}
	committedHash := l.Hash()

	if err := l.AddIdentifierSelf(2, 1, true); err != nil {
		t.Fatalf("AddIdentifierSelf: %v", err)
	}
	l.DoRollback()

	if l.Hash() != committedHash {
		t.Fatalf("rollback did not restore prior hash")
	}
	if _, ok := l.Get(2); ok {
		t.Fatalf("account 2 entry survived rollback")
	}
}

func TestSerializeOrdersByAccountID(t *testing.T) {
	l := New()
	l.AddIdentifierSelf(9, 1, false)
	l.AddIdentifierSelf(2, 1, false)
	l.AddIdentifierSelf(5, 1, false)

	buf := l.Serialize()
	if len(buf) == 0 {
		t.Fatalf("expected non-empty serialization")
	}

	if n := binary.BigEndian.Uint32(buf[:4]); n != 3 {
		t.Fatalf("expected 3 entries, got %d", n)
	}
	off := 4
	for i, want := range []uint64{2, 5, 9} {
		elen := int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
		if got := binary.BigEndian.Uint64(buf[off : off+8]); got != want {
			t.Fatalf("entry %d owner = %d, want %d", i, got, want)
		}
		off += elen
	}
}
