package buffer

import (
	"errors"
	"fmt"
)

// ErrPoolExhausted is returned when the pool has no free buffers left.
// With the derived pool sizing this should not happen in practice;
// hitting it indicates a configuration error.
var ErrPoolExhausted = errors.New("buffer pool exhausted")

// Pool is a per-worker, fixed-size buffer pool.
//
// All buffers are allocated once at construction as a single backing
// slab and never grow. Buffers are addressed by small integer index so
// connections and in-flight kernel submissions can hold them without
// pinning Go pointers. The free list is a LIFO stack for cache locality.
//
// Pool is not safe for concurrent use; each worker owns exactly one.
type Pool struct {
	slab     []byte
	free     []int
	inUse    []bool
	bufSize  int
	capacity int
}

// NewPool creates a pool of count buffers of size bytes each.
func NewPool(count, size int) *Pool {
	p := &Pool{
		slab:     make([]byte, count*size),
		free:     make([]int, 0, count),
		inUse:    make([]bool, count),
		bufSize:  size,
		capacity: count,
	}
	// Push in reverse so index 0 is handed out first.
	for i := count - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// Alloc pops a free buffer index. The second return value is false when
// the pool is exhausted.
func (p *Pool) Alloc() (int, bool) {
	n := len(p.free)
	if n == 0 {
		return 0, false
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.inUse[idx] = true
	return idx, true
}

// Free returns a buffer to the pool. Freeing an index that is not
// currently allocated panics: buffer accounting errors must not be
// silently absorbed.
func (p *Pool) Free(idx int) {
	if idx < 0 || idx >= p.capacity {
		panic(fmt.Sprintf("buffer index %d out of range [0,%d)", idx, p.capacity))
	}
	if !p.inUse[idx] {
		panic(fmt.Sprintf("double free of buffer %d", idx))
	}
	p.inUse[idx] = false
	p.free = append(p.free, idx)
}

// Get returns the buffer at idx for reading.
func (p *Pool) Get(idx int) []byte {
	return p.slab[idx*p.bufSize : (idx+1)*p.bufSize]
}

// GetMut returns the buffer at idx for writing. Identical to Get; kept
// as a separate name so call sites document their intent.
func (p *Pool) GetMut(idx int) []byte {
	return p.slab[idx*p.bufSize : (idx+1)*p.bufSize]
}

// Slab exposes the backing memory for kernel buffer registration.
func (p *Pool) Slab() []byte {
	return p.slab
}

// BufferSize returns the size of each buffer.
func (p *Pool) BufferSize() int {
	return p.bufSize
}

// Capacity returns the total number of buffers.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Available returns the number of free buffers.
func (p *Pool) Available() int {
	return len(p.free)
}
