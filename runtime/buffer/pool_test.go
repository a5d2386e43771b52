package buffer

import "testing"

func TestPoolAllocFree(t *testing.T) {
	pool := NewPool(4, 1024)

	if pool.Capacity() != 4 {
		t.Fatalf("capacity = %d, want 4", pool.Capacity())
	}
	if pool.Available() != 4 {
		t.Fatalf("available = %d, want 4", pool.Available())
	}
	if pool.BufferSize() != 1024 {
		t.Fatalf("buffer size = %d, want 1024", pool.BufferSize())
	}

	var idxs []int
	for i := 0; i < 4; i++ {
		idx, ok := pool.Alloc()
		if !ok {
			t.Fatalf("alloc %d failed", i)
		}
		idxs = append(idxs, idx)
	}

	if pool.Available() != 0 {
		t.Fatalf("available = %d, want 0", pool.Available())
	}
	if _, ok := pool.Alloc(); ok {
		t.Fatal("alloc succeeded on exhausted pool")
	}

	// LIFO reuse
	pool.Free(idxs[1])
	reused, ok := pool.Alloc()
	if !ok || reused != idxs[1] {
		t.Fatalf("expected LIFO reuse of %d, got %d", idxs[1], reused)
	}

	// Write through one buffer, read back
	pool.GetMut(idxs[0])[0] = 42
	if pool.Get(idxs[0])[0] != 42 {
		t.Fatal("buffer write not visible")
	}

	for _, idx := range idxs {
		pool.Free(idx)
	}
	if pool.Available() != 4 {
		t.Fatalf("available = %d after freeing all, want 4", pool.Available())
	}
}

func TestPoolBuffersAreDistinct(t *testing.T) {
	pool := NewPool(2, 64)
	a, _ := pool.Alloc()
	b, _ := pool.Alloc()

	pool.GetMut(a)[0] = 1
	pool.GetMut(b)[0] = 2
	if pool.Get(a)[0] != 1 || pool.Get(b)[0] != 2 {
		t.Fatal("buffers alias each other")
	}
}

func TestPoolDoubleFreePanics(t *testing.T) {
	pool := NewPool(1, 64)
	idx, _ := pool.Alloc()
	pool.Free(idx)

	defer func() {
		if recover() == nil {
			t.Fatal("double free did not panic")
		}
	}()
	pool.Free(idx)
}

func TestPoolFreeOutOfRangePanics(t *testing.T) {
	pool := NewPool(1, 64)

	defer func() {
		if recover() == nil {
			t.Fatal("out-of-range free did not panic")
		}
	}()
	pool.Free(7)
}
