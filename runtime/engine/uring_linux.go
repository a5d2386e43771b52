//go:build linux

package engine

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// Minimal io_uring wrapper (single-threaded use, one ring per worker)
// --------------------------------------------------------------------------

// Kernel ABI constants. Opcodes follow include/uapi/linux/io_uring.h.
const (
	sqeSize = 64
	cqeSize = 16

	opWritev      = 2
	opAccept      = 13
	opAsyncCancel = 14
	opRead        = 22
	opWrite       = 23

	// sqe.flags
	sqeBufferSelect = 1 << 5

	// cqe.flags
	cqeFBuffer     = 1 << 0
	cqeBufferShift = 16

	// io_uring_enter flags
	enterGetevents = 1 << 0

	// io_uring_setup flags
	setupClamp = 1 << 4

	// io_uring_register opcodes
	registerPbufRing   = 22
	unregisterPbufRing = 23

	// mmap offsets
	offSqRing = 0
	offCqRing = 0x8000000
	offSqes   = 0x10000000
)

type sqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	resv2       uint64
}

type cqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	resv        [2]uint32
}

type uringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqringOffsets
	cqOff        cqringOffsets
}

type uringSqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opFlags     uint32
	userData    uint64
	bufIndex    uint16 // buf_index / buf_group union
	personality uint16
	spliceFdIn  int32
	addr3       uint64
	pad         uint64
}

type uringCqe struct {
	userData uint64
	res      int32
	flags    uint32
}

// uring owns one io_uring instance. All methods are called from the
// owning worker thread only; no internal locking.
type uring struct {
	fd int

	sqRingMem []byte
	cqRingMem []byte
	sqesMem   []byte

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqEntries uint32
	sqArray   []uint32
	sqes      []uringSqe

	cqHead    *uint32
	cqTail    *uint32
	cqMask    uint32
	cqes      []uringCqe

	pending uint32 // SQEs queued since last submit
}

func newURing(entries int) (*uring, error) {
	params := uringParams{flags: setupClamp}
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &uring{fd: int(fd)}
	if err := r.mapRings(&params); err != nil {
		unix.Close(r.fd)
		return nil, err
	}
	return r, nil
}

func alignPage(v uint32) int {
	page := uint32(unix.Getpagesize())
	return int((v + page - 1) &^ (page - 1))
}

func (r *uring) mapRings(p *uringParams) error {
	sqSize := alignPage(p.sqOff.array + p.sqEntries*4)
	cqSize := alignPage(p.cqOff.cqes + p.cqEntries*cqeSize)
	sqesSize := alignPage(p.sqEntries * sqeSize)

	sqRing, err := unix.Mmap(r.fd, offSqRing, sqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	cqRing, err := unix.Mmap(r.fd, offCqRing, cqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqRing)
		return fmt.Errorf("mmap cq ring: %w", err)
	}
	sqes, err := unix.Mmap(r.fd, offSqes, sqesSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(cqRing)
		unix.Munmap(sqRing)
		return fmt.Errorf("mmap sqes: %w", err)
	}

	r.sqRingMem, r.cqRingMem, r.sqesMem = sqRing, cqRing, sqes

	sqBase := unsafe.Pointer(&sqRing[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, p.sqOff.head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, p.sqOff.tail))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, p.sqOff.ringMask))
	r.sqEntries = p.sqEntries
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Add(sqBase, p.sqOff.array)), int(p.sqEntries))
	r.sqes = unsafe.Slice((*uringSqe)(unsafe.Pointer(&sqes[0])), int(p.sqEntries))

	cqBase := unsafe.Pointer(&cqRing[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, p.cqOff.head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, p.cqOff.tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, p.cqOff.ringMask))
	r.cqes = unsafe.Slice((*uringCqe)(unsafe.Add(cqBase, p.cqOff.cqes)), int(p.cqEntries))

	return nil
}

// getSQE claims the next submission slot, flushing the queue when full.
func (r *uring) getSQE() (*uringSqe, error) {
	for {
		head := atomic.LoadUint32(r.sqHead)
		tail := *r.sqTail
		if tail-head < r.sqEntries {
			idx := tail & r.sqMask
			sqe := &r.sqes[idx]
			*sqe = uringSqe{}
			r.sqArray[idx] = idx
			atomic.StoreUint32(r.sqTail, tail+1)
			r.pending++
			return sqe, nil
		}
		// Ring full: flush without waiting and retry.
		if err := r.enter(r.pending, 0); err != nil {
			return nil, err
		}
		r.pending = 0
	}
}

func (r *uring) enter(submit, wait uint32) error {
	var flags uintptr
	if wait > 0 {
		flags = enterGetevents
	}
	for {
		_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
			uintptr(r.fd), uintptr(submit), uintptr(wait), flags, 0, 0)
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		return fmt.Errorf("io_uring_enter: %w", errno)
	}
}

// submitAndWait flushes queued SQEs and blocks for at least wait
// completions in the same syscall.
func (r *uring) submitAndWait(wait uint32) error {
	err := r.enter(r.pending, wait)
	r.pending = 0
	return err
}

// peekCQE returns a copy of the next completion and advances the
// completion queue head past it, or false when the queue is empty.
func (r *uring) peekCQE() (uringCqe, bool) {
	head := *r.cqHead
	tail := atomic.LoadUint32(r.cqTail)
	if head == tail {
		return uringCqe{}, false
	}
	cqe := r.cqes[head&r.cqMask]
	atomic.StoreUint32(r.cqHead, head+1)
	return cqe, true
}

// --------------------------------------------------------------------------
// Submission preps
// --------------------------------------------------------------------------

func (r *uring) prepAccept(fd int, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.opcode = opAccept
	sqe.fd = int32(fd)
	sqe.userData = userData
	return nil
}

// prepReadSelect submits a read whose buffer the kernel picks from the
// registered buffer group.
func (r *uring) prepReadSelect(fd int, group uint16, maxLen int, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.opcode = opRead
	sqe.fd = int32(fd)
	sqe.len = uint32(maxLen)
	sqe.flags = sqeBufferSelect
	sqe.bufIndex = group
	sqe.userData = userData
	return nil
}

func (r *uring) prepWrite(fd int, buf []byte, userData uint64) error {
	sqe, err := r.getSQE()
	if err != nil {
		return err
	}
	sqe.opcode = opWrite
	sqe.fd = int32(fd)
	sqe.addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	sqe.len = uint32(len(buf))
	sqe.userData = userData
	return nil
}

func (r *uring) close() {
	if r.sqesMem != nil {
		unix.Munmap(r.sqesMem)
	}
	if r.cqRingMem != nil {
		unix.Munmap(r.cqRingMem)
	}
	if r.sqRingMem != nil {
		unix.Munmap(r.sqRingMem)
	}
	unix.Close(r.fd)
}
