//go:build linux

package engine

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/growcache/growcache/runtime/buffer"
	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// Kernel-selected buffer ring (IORING_REGISTER_PBUF_RING)
// --------------------------------------------------------------------------

// uringBuf mirrors struct io_uring_buf (16 bytes).
type uringBuf struct {
	addr uint64
	len  uint32
	bid  uint16
	resv uint16
}

// uringBufReg mirrors struct io_uring_buf_reg.
type uringBufReg struct {
	ringAddr    uint64
	ringEntries uint32
	bgid        uint16
	flags       uint16
	resv        [3]uint64
}

// bufRing is a provided-buffer ring populated from the worker's pool.
// The kernel picks a buffer for each read submission carrying the
// group id; the completion reports which one via cqe flags. Buffers
// are recycled back into the ring as soon as their bytes have been
// copied into the owning connection's accumulation state.
type bufRing struct {
	mem     []byte
	entries uint32
	mask    uint32
	tail    uint32
	group   uint16
	pool    *buffer.Pool
	owned   []int
}

// newBufRing registers a buffer ring of count pool buffers with the
// given ring. count is rounded up to a power of two for the ring
// geometry; exactly count buffers are taken from the pool.
func newBufRing(r *uring, pool *buffer.Pool, group uint16, count int) (*bufRing, error) {
	entries := uint32(1)
	for entries < uint32(count) {
		entries <<= 1
	}

	mem, err := unix.Mmap(-1, 0, int(entries)*16,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap buffer ring: %w", err)
	}

	reg := uringBufReg{
		ringAddr:    uint64(uintptr(unsafe.Pointer(&mem[0]))),
		ringEntries: entries,
		bgid:        group,
	}
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER,
		uintptr(r.fd), registerPbufRing, uintptr(unsafe.Pointer(&reg)), 1, 0, 0)
	if errno != 0 {
		unix.Munmap(mem)
		return nil, fmt.Errorf("register buffer ring (kernel too old?): %w", errno)
	}

	b := &bufRing{
		mem:     mem,
		entries: entries,
		mask:    entries - 1,
		group:   group,
		pool:    pool,
	}

	for i := 0; i < count; i++ {
		idx, ok := pool.Alloc()
		if !ok {
			b.release(r)
			return nil, buffer.ErrPoolExhausted
		}
		b.owned = append(b.owned, idx)
		b.push(idx)
	}
	return b, nil
}

// push makes one pool buffer available to the kernel again.
func (b *bufRing) push(bid int) {
	buf := b.pool.Get(bid)
	e := (*uringBuf)(unsafe.Pointer(&b.mem[(b.tail&b.mask)*16]))
	e.addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	e.len = uint32(len(buf))
	e.bid = uint16(bid)
	b.tail++
	b.publishTail()
}

// publishTail stores the 16-bit ring tail (offset 14 of the header
// entry) with release semantics. Go's atomics have no 16-bit store, so
// the tail is published as an aligned 32-bit store at offset 12. Those
// two lower bytes are the header's reserved field, which overlays the
// bid of ring entry 0, so the current bid is carried over unchanged.
// Valid on the little-endian targets io_uring runs on.
func (b *bufRing) publishTail() {
	p := (*uint32)(unsafe.Pointer(&b.mem[12]))
	bid0 := atomic.LoadUint32(p) & 0xffff
	atomic.StoreUint32(p, uint32(uint16(b.tail))<<16|bid0)
}

// buffer returns the byte range behind a kernel-reported buffer id.
func (b *bufRing) buffer(bid int) []byte {
	return b.pool.Get(bid)
}

// release unregisters the ring and returns its buffers to the pool.
func (b *bufRing) release(r *uring) {
	reg := uringBufReg{bgid: b.group}
	unix.Syscall6(unix.SYS_IO_URING_REGISTER,
		uintptr(r.fd), unregisterPbufRing, uintptr(unsafe.Pointer(&reg)), 1, 0, 0)
	for _, idx := range b.owned {
		b.pool.Free(idx)
	}
	b.owned = nil
	unix.Munmap(b.mem)
	b.mem = nil
}
