package conn

import (
	"testing"

	"github.com/growcache/growcache/runtime/common"
)

func TestRegistrySlotReuse(t *testing.T) {
	r := NewRegistry(4)

	id1, err := r.Insert(New(10, common.ProtocolTextCache))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id2, err := r.Insert(New(11, common.ProtocolResp))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if r.Len() != 2 {
		t.Fatalf("len = %d, want 2", r.Len())
	}
	if r.Get(id1).FD != 10 {
		t.Fatalf("conn %d fd = %d, want 10", id1, r.Get(id1).FD)
	}
	if r.Get(id2).Proto != common.ProtocolResp {
		t.Fatalf("conn %d protocol = %v", id2, r.Get(id2).Proto)
	}

	removed := r.Remove(id1)
	if removed == nil || removed.FD != 10 {
		t.Fatal("remove returned wrong connection")
	}
	if r.Get(id1) != nil {
		t.Fatal("vacated slot still resolves")
	}

	// Vacated slot is reused.
	id3, err := r.Insert(New(12, common.ProtocolTextCache))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id3 != id1 {
		t.Fatalf("expected slot %d reused, got %d", id1, id3)
	}
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(2)
	if _, err := r.Insert(New(1, common.ProtocolPing)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := r.Insert(New(2, common.ProtocolPing)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := r.Insert(New(3, common.ProtocolPing)); err != ErrRegistryFull {
		t.Fatalf("err = %v, want ErrRegistryFull", err)
	}
	if r.Len() != 2 {
		t.Fatalf("len = %d, want 2", r.Len())
	}
}

func TestConnectionPhases(t *testing.T) {
	cn := New(42, common.ProtocolTextCache)
	if cn.Phase != PhaseEstablished {
		t.Fatalf("new connection phase = %v, want established", cn.Phase)
	}
	if cn.State.Mode != ModeReading || cn.State.Filled != 0 {
		t.Fatal("new connection not in Reading{0}")
	}
	if cn.RespDialect != 2 {
		t.Fatalf("default RESP dialect = %d, want 2", cn.RespDialect)
	}

	cn.State = Writing(100)
	if cn.State.Mode != ModeWriting || cn.State.Total != 100 || cn.State.Written != 0 {
		t.Fatal("Writing state not initialized")
	}
}

func TestTokenAllocator(t *testing.T) {
	tokens := NewTokenAllocator(4)

	t1 := tokens.Alloc(Op{Kind: OpAccept})
	t2 := tokens.Alloc(Op{Kind: OpRead, ConnID: 7})
	if tokens.Len() != 2 {
		t.Fatalf("len = %d, want 2", tokens.Len())
	}

	op, ok := tokens.Free(t2)
	if !ok || op.Kind != OpRead || op.ConnID != 7 {
		t.Fatalf("freed op = %+v ok=%v", op, ok)
	}
	if _, ok := tokens.Free(t2); ok {
		t.Fatal("double free succeeded")
	}

	// Freed slot is reused.
	t3 := tokens.Alloc(Op{Kind: OpWrite, ConnID: 9, BufIdx: 3})
	if t3 != t2 {
		t.Fatalf("expected token %d reused, got %d", t2, t3)
	}

	op, ok = tokens.Free(t1)
	if !ok || op.Kind != OpAccept {
		t.Fatal("accept token lost")
	}
	if _, ok := tokens.Free(999); ok {
		t.Fatal("unknown token freed")
	}
}
