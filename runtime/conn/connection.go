package conn

import (
	"github.com/growcache/growcache/runtime/buffer"
	"github.com/growcache/growcache/runtime/common"
)

// --------------------------------------------------------------------------
// Control plane
// --------------------------------------------------------------------------

// Phase is the lifecycle phase of a connection (control plane).
type Phase uint8

const (
	PhaseAccepting Phase = iota
	// PhaseHandshaking is reserved for a future TLS stage and is
	// currently unreachable; Established follows accept directly.
	PhaseHandshaking
	PhaseEstablished
	PhaseClosing
)

// String returns the string representation of a Phase.
func (p Phase) String() string {
	switch p {
	case PhaseAccepting:
		return "accepting"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseEstablished:
		return "established"
	case PhaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Data plane
// --------------------------------------------------------------------------

// DataMode is the request/response processing mode (data plane).
// Only meaningful while the connection is Established.
type DataMode uint8

const (
	ModeReading DataMode = iota
	ModeWriting
)

// DataState tracks the progress of the current request or response.
type DataState struct {
	Mode DataMode
	// Filled counts bytes validly stored at the start of the
	// accumulation buffer while reading.
	Filled int
	// Written / Total track response flush progress while writing.
	Written int
	Total   int
}

// Reading returns a fresh reading state.
func Reading(filled int) DataState {
	return DataState{Mode: ModeReading, Filled: filled}
}

// Writing returns a fresh writing state for a response of total bytes.
func Writing(total int) DataState {
	return DataState{Mode: ModeWriting, Total: total}
}

// --------------------------------------------------------------------------
// Connection record
// --------------------------------------------------------------------------

// NoBuffer marks an unallocated buffer slot.
const NoBuffer = -1

// Connection is one client connection owned by a single worker.
// The socket handle is immutable for the connection's lifetime; all
// other fields belong to the worker's event loop and are never touched
// from another goroutine.
type Connection struct {
	FD    int
	Phase Phase
	State DataState
	Proto common.Protocol

	// ReadBuf is the accumulation buffer holding partially received
	// request bytes across reads. Allocated lazily by the completion
	// backend, eagerly by the readiness backend.
	ReadBuf int
	// WriteBuf holds small responses written by the dispatcher.
	WriteBuf int

	// ReadChain accumulates a large value past the accumulation buffer.
	ReadChain *buffer.Chain
	// WriteChain holds a response too large for one write buffer.
	WriteChain *buffer.Chain

	// Pending is the small-response representation (dispatcher-owned
	// heap bytes); nil while no response is in flight. A connection is
	// writing iff Pending or WriteChain is non-empty.
	Pending []byte

	// ExpectedTotal is the full on-wire size of the request currently
	// being accumulated (0 = unknown).
	ExpectedTotal int

	// RespDialect is the RESP protocol version negotiated via HELLO.
	RespDialect int

	// LastProgress is a monotonic tick of the last byte progress,
	// maintained by backends that run the idle timer.
	LastProgress int64
}

// New creates a connection record in the Established phase with no
// buffers attached.
func New(fd int, proto common.Protocol) *Connection {
	return &Connection{
		FD:          fd,
		Phase:       PhaseEstablished,
		State:       Reading(0),
		Proto:       proto,
		ReadBuf:     NoBuffer,
		WriteBuf:    NoBuffer,
		RespDialect: 2,
	}
}

// ReleaseBuffers returns every buffer the connection references to the
// pool: accumulation buffer, write buffer, and both chains. Safe to
// call more than once.
func (c *Connection) ReleaseBuffers(pool *buffer.Pool) {
	if c.ReadBuf != NoBuffer {
		pool.Free(c.ReadBuf)
		c.ReadBuf = NoBuffer
	}
	if c.WriteBuf != NoBuffer {
		pool.Free(c.WriteBuf)
		c.WriteBuf = NoBuffer
	}
	if c.ReadChain != nil {
		c.ReadChain.Release(pool)
		c.ReadChain = nil
	}
	if c.WriteChain != nil {
		c.WriteChain.Release(pool)
		c.WriteChain = nil
	}
	c.Pending = nil
}
