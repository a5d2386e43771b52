package protocol

import (
	"github.com/growcache/growcache/lib/storage"
	"github.com/growcache/growcache/runtime/common"
)

// --------------------------------------------------------------------------
// Dispatch environment
// --------------------------------------------------------------------------

// Env carries the collaborators a handler needs. One Env is shared by
// every connection of a worker.
type Env struct {
	Store storage.IStorage
	// MaxValueSize rejects declared value lengths at header-parse
	// time, before any payload byte is consumed.
	MaxValueSize int
	// BufferSize is the capacity of one pool buffer; requests or
	// responses beyond it go through chains.
	BufferSize int
}

// --------------------------------------------------------------------------
// Process result
// --------------------------------------------------------------------------

// ResultKind discriminates ProcessResult.
type ResultKind uint8

const (
	// KindNeedData: the input does not yet hold a complete request.
	KindNeedData ResultKind = iota
	// KindNeedValue: the header is parsed and the declared value does
	// not fit the accumulation buffer; the caller allocates a chain
	// sized from HeaderLen/ValueLen/TrailerLen and continues reading.
	KindNeedValue
	// KindResponse: the reply was written into the output buffer.
	KindResponse
	// KindLargeResponse: the reply exceeds one buffer; Response holds
	// the bytes for chain emission.
	KindLargeResponse
	// KindClose: the client asked to quit; close without a reply.
	KindClose
)

// ProcessResult encodes what the I/O layer must do after a dispatch.
type ProcessResult struct {
	Kind ResultKind

	// Consumed is how far the input advances (Response/LargeResponse).
	Consumed int

	// ResponseLen is the number of reply bytes written into the output
	// buffer (KindResponse). Zero for noreply commands.
	ResponseLen int

	// Response holds an oversized reply (KindLargeResponse).
	Response []byte

	// Declared request geometry (KindNeedValue).
	HeaderLen  int
	ValueLen   int
	TrailerLen int

	// CloseAfter closes the connection once the reply has been
	// flushed. Set for framing errors and oversized values, where the
	// byte stream cannot be resynchronized.
	CloseAfter bool
}

// ExpectedTotal is the full on-wire size of the request being
// accumulated (KindNeedValue).
func (r ProcessResult) ExpectedTotal() int {
	return r.HeaderLen + r.ValueLen + r.TrailerLen
}

// --------------------------------------------------------------------------
// Dispatch
// --------------------------------------------------------------------------

// Process parses one request from in, executes it against env.Store and
// encodes the reply into out. It never suspends, never retains a
// reference into in past its return, and keeps all per-connection
// parser state in the caller (accumulation buffer plus, for RESP, the
// dialect pointer).
func Process(proto common.Protocol, in, out []byte, env *Env, dialect *int) ProcessResult {
	switch proto {
	case common.ProtocolTextCache:
		return processText(in, out, env)
	case common.ProtocolResp:
		return processResp(in, out, env, dialect)
	case common.ProtocolPing:
		return processPing(in, out)
	case common.ProtocolEcho:
		return processEcho(in, out, env)
	default:
		return ProcessResult{Kind: KindClose}
	}
}

// findCRLF returns the index of '\r' of the first CRLF, or -1.
func findCRLF(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// respond copies reply into out, falling back to a large-response
// result when it does not fit.
func respond(reply []byte, out []byte, consumed int) ProcessResult {
	if len(reply) > len(out) {
		return ProcessResult{Kind: KindLargeResponse, Consumed: consumed, Response: reply}
	}
	n := copy(out, reply)
	return ProcessResult{Kind: KindResponse, Consumed: consumed, ResponseLen: n}
}
