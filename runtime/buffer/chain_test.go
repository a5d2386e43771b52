package buffer

import (
	"bytes"
	"testing"
)

func TestChainAppendAcrossBuffers(t *testing.T) {
	pool := NewPool(8, 16)
	chain := NewChain(16, 0)

	payload := bytes.Repeat([]byte("abcd"), 10) // 40 bytes -> 3 buffers of 16
	n, err := chain.Append(payload, pool)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("appended %d bytes, want %d", n, len(payload))
	}
	if chain.Len() != 40 {
		t.Fatalf("len = %d, want 40", chain.Len())
	}
	if chain.BufferCount() != 3 {
		t.Fatalf("buffer count = %d, want 3", chain.BufferCount())
	}

	// Chunks reassemble to the original bytes.
	var got []byte
	for _, chunk := range chain.Chunks(pool) {
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("chunks do not reassemble the payload")
	}

	if !bytes.Equal(chain.AsContiguous(pool), payload) {
		t.Fatal("contiguous view differs from the payload")
	}

	chain.Release(pool)
	if pool.Available() != pool.Capacity() {
		t.Fatalf("release leaked buffers: %d free of %d", pool.Available(), pool.Capacity())
	}
	if chain.Len() != 0 || chain.BufferCount() != 0 {
		t.Fatal("chain not reset after release")
	}
}

func TestChainSingleBufferBorrowsPoolMemory(t *testing.T) {
	pool := NewPool(2, 64)
	chain := NewChain(64, 0)

	if _, err := chain.Append([]byte("hello"), pool); err != nil {
		t.Fatalf("append: %v", err)
	}
	view := chain.AsContiguous(pool)
	if string(view) != "hello" {
		t.Fatalf("contiguous = %q", view)
	}
	// Single-chunk case must not copy.
	view[0] = 'H'
	if chain.Chunks(pool)[0][0] != 'H' {
		t.Fatal("single-chunk contiguous view is a copy")
	}
	chain.Release(pool)
}

func TestChainAdmissionCap(t *testing.T) {
	pool := NewPool(8, 16)
	chain := NewChain(16, 2) // at most 2 buffers = 32 bytes

	_, err := chain.Append(make([]byte, 48), pool)
	if err != ErrChainOverflow {
		t.Fatalf("err = %v, want ErrChainOverflow", err)
	}
	if chain.BufferCount() > 2 {
		t.Fatalf("chain grew past its cap: %d buffers", chain.BufferCount())
	}
	chain.Release(pool)
	if pool.Available() != pool.Capacity() {
		t.Fatal("release after overflow leaked buffers")
	}
}

func TestChainPoolExhaustion(t *testing.T) {
	pool := NewPool(1, 16)
	chain := NewChain(16, 0)

	n, err := chain.Append(make([]byte, 40), pool)
	if err != ErrPoolExhausted {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if n != 16 {
		t.Fatalf("wrote %d bytes before exhaustion, want 16", n)
	}
	chain.Release(pool)
}

func TestChainTailWritable(t *testing.T) {
	pool := NewPool(4, 8)
	chain := NewChain(8, 0)

	tail, err := chain.TailWritable(pool)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	copy(tail, "abc")
	chain.Advance(3)

	tail, err = chain.TailWritable(pool)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 5 {
		t.Fatalf("tail capacity = %d, want 5", len(tail))
	}
	copy(tail, "defgh")
	chain.Advance(5)

	// Next tail rolls into a fresh buffer.
	tail, err = chain.TailWritable(pool)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 8 {
		t.Fatalf("fresh tail capacity = %d, want 8", len(tail))
	}
	copy(tail, "ij")
	chain.Advance(2)

	if got := string(chain.AsContiguous(pool)); got != "abcdefghij" {
		t.Fatalf("contiguous = %q", got)
	}
	chain.Release(pool)
}
