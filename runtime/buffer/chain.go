package buffer

import "errors"

// ErrChainOverflow is returned when appending would push a chain past
// its buffer cap (the admission limit derived from max value size).
var ErrChainOverflow = errors.New("buffer chain over admission cap")

// Chain is an ordered list of pool buffer indices treated as one
// logical byte sequence. It lets a multi-segment value be accumulated
// and emitted without a single allocation proportional to the value.
//
// The chain owns its indices: Release must be called exactly once
// before the chain is dropped, otherwise the pool leaks buffers.
type Chain struct {
	bufs       []int
	length     int
	bufSize    int
	maxBuffers int
}

// NewChain creates an empty chain over buffers of the given size.
// maxBuffers caps the chain (0 = uncapped; the worker core builds its
// response chains this way).
func NewChain(bufSize, maxBuffers int) *Chain {
	return &Chain{bufSize: bufSize, maxBuffers: maxBuffers}
}

// Len returns the logical byte length.
func (c *Chain) Len() int {
	return c.length
}

// BufferCount returns the number of pool buffers held.
func (c *Chain) BufferCount() int {
	return len(c.bufs)
}

// tailFree returns the unused capacity of the last buffer.
func (c *Chain) tailFree() int {
	if len(c.bufs) == 0 {
		return 0
	}
	used := c.length - (len(c.bufs)-1)*c.bufSize
	return c.bufSize - used
}

// grow appends one buffer from the pool.
func (c *Chain) grow(pool *Pool) error {
	if c.maxBuffers > 0 && len(c.bufs) >= c.maxBuffers {
		return ErrChainOverflow
	}
	idx, ok := pool.Alloc()
	if !ok {
		return ErrPoolExhausted
	}
	c.bufs = append(c.bufs, idx)
	return nil
}

// PushBuffer hands an already-allocated pool buffer to the chain.
// The buffer is treated as empty; ownership transfers to the chain.
func (c *Chain) PushBuffer(idx int) {
	c.bufs = append(c.bufs, idx)
}

// Append copies p into the chain, growing it from pool as needed.
// Returns the number of bytes written. On ErrPoolExhausted or
// ErrChainOverflow the bytes copied so far remain in the chain.
func (c *Chain) Append(p []byte, pool *Pool) (int, error) {
	written := 0
	for written < len(p) {
		if c.tailFree() == 0 {
			if err := c.grow(pool); err != nil {
				return written, err
			}
		}
		tail := c.bufs[len(c.bufs)-1]
		off := c.length - (len(c.bufs)-1)*c.bufSize
		n := copy(pool.GetMut(tail)[off:], p[written:])
		written += n
		c.length += n
	}
	return written, nil
}

// TailWritable returns the writable remainder of the last chain buffer,
// growing the chain by one buffer when the tail is full. Used by the
// event loops to read socket bytes directly into the chain.
func (c *Chain) TailWritable(pool *Pool) ([]byte, error) {
	if c.tailFree() == 0 {
		if err := c.grow(pool); err != nil {
			return nil, err
		}
	}
	tail := c.bufs[len(c.bufs)-1]
	off := c.length - (len(c.bufs)-1)*c.bufSize
	return pool.GetMut(tail)[off:], nil
}

// Advance records n bytes as filled in the tail buffer after a read
// into TailWritable.
func (c *Chain) Advance(n int) {
	c.length += n
}

// Chunks returns the filled byte ranges of every chain buffer in order,
// suitable for scatter-gather writes. The slices alias pool memory and
// are only valid until the chain or pool is mutated.
func (c *Chain) Chunks(pool *Pool) [][]byte {
	chunks := make([][]byte, 0, len(c.bufs))
	remaining := c.length
	for _, idx := range c.bufs {
		n := remaining
		if n > c.bufSize {
			n = c.bufSize
		}
		if n <= 0 {
			break
		}
		chunks = append(chunks, pool.Get(idx)[:n])
		remaining -= n
	}
	return chunks
}

// AsContiguous returns the chain contents as one byte slice. For a
// single-buffer chain this borrows pool memory directly; otherwise the
// segments are assembled into a fresh slice. Only used when the bytes
// cross the storage API, which copies them anyway.
func (c *Chain) AsContiguous(pool *Pool) []byte {
	if len(c.bufs) == 1 {
		return pool.Get(c.bufs[0])[:c.length]
	}
	out := make([]byte, 0, c.length)
	for _, chunk := range c.Chunks(pool) {
		out = append(out, chunk...)
	}
	return out
}

// Release frees every buffer back to the pool and resets the chain.
func (c *Chain) Release(pool *Pool) {
	for _, idx := range c.bufs {
		pool.Free(idx)
	}
	c.bufs = c.bufs[:0]
	c.length = 0
}
