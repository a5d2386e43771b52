package engine

import (
	"github.com/growcache/growcache/runtime/buffer"
	"github.com/growcache/growcache/runtime/common"
	"github.com/growcache/growcache/runtime/conn"
	"github.com/growcache/growcache/runtime/protocol"
	"github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------
// Worker core: protocol-facing state machine shared by both backends
// --------------------------------------------------------------------------

// Action tells a backend what to do with a connection after the core
// has advanced its state machine.
type Action uint8

const (
	// ActionRead: stay in Reading; arm the next read.
	ActionRead Action = iota
	// ActionWrite: a response is pending; start flushing it.
	ActionWrite
	// ActionClose: tear the connection down now.
	ActionClose
)

// core bundles the per-worker collaborators every backend needs and
// implements the parse/dispatch/transition cycle over them. I/O itself
// (reads, writes, interest changes, submissions) stays in the backend.
type core struct {
	cfg      common.ServerConfig
	env      protocol.Env
	pool     *buffer.Pool
	registry *conn.Registry
	log      *logrus.Entry
}

// newCore builds the worker-local state. extraBuffers enlarges the
// pool past the derived sizing (the completion backend parks part of
// the pool in its kernel buffer ring).
func newCore(cfg common.ServerConfig, env protocol.Env, workerID, extraBuffers int, log *logrus.Entry) *core {
	return &core{
		cfg:      cfg,
		env:      env,
		pool:     buffer.NewPool(cfg.PoolBuffers()+extraBuffers, cfg.BufferSize),
		registry: conn.NewRegistry(cfg.MaxConnections),
		log:      log.WithField("worker", workerID),
	}
}

// readTarget returns the slice the next socket read should fill: the
// free remainder of the accumulation buffer, or — once a large value is
// being chained — the tail of the read chain. ExpectedTotal is a lower
// bound on the request size, not a ceiling: a RESP array can carry
// small elements after the large bulk that produced the bound (SET's
// EX/PX/NX/XX options), so reads past it stay legal and the chain's
// admission cap bounds further growth.
func (c *core) readTarget(cn *conn.Connection) ([]byte, error) {
	if cn.ReadChain != nil {
		have := cn.State.Filled + cn.ReadChain.Len()
		remaining := cn.ExpectedTotal - have
		tail, err := cn.ReadChain.TailWritable(c.pool)
		if err != nil {
			return nil, err
		}
		if remaining > 0 && len(tail) > remaining {
			tail = tail[:remaining]
		}
		return tail, nil
	}

	buf := c.pool.GetMut(cn.ReadBuf)
	if cn.State.Filled >= len(buf) {
		return nil, ErrRequestTooLarge
	}
	return buf[cn.State.Filled:], nil
}

// advanceRead records n freshly read bytes.
func (c *core) advanceRead(cn *conn.Connection, n int) {
	if cn.ReadChain != nil {
		cn.ReadChain.Advance(n)
		return
	}
	cn.State.Filled += n
}

// ingest copies bytes delivered out-of-band (completion backend's
// kernel-selected buffers) into the connection's accumulation state.
// A kernel read is not bounded to the current request, so bytes may
// overflow the accumulation buffer into the chain; pipelined trailing
// bytes land there too and are shifted back by consume.
func (c *core) ingest(cn *conn.Connection, data []byte) error {
	if cn.ReadChain == nil {
		buf := c.pool.GetMut(cn.ReadBuf)
		n := copy(buf[cn.State.Filled:], data)
		cn.State.Filled += n
		data = data[n:]
		if len(data) == 0 {
			return nil
		}
		// One buffer of slack past the admission cap absorbs a kernel
		// read straddling the request boundary.
		cn.ReadChain = buffer.NewChain(c.cfg.BufferSize, c.cfg.ChainBuffers()+1)
	}
	_, err := cn.ReadChain.Append(data, c.pool)
	return err
}

// assembleInput returns the logical request bytes accumulated so far.
// Single-buffer requests borrow pool memory directly; chained requests
// are assembled into one contiguous slice for the parser.
func (c *core) assembleInput(cn *conn.Connection) []byte {
	head := c.pool.Get(cn.ReadBuf)[:cn.State.Filled]
	if cn.ReadChain == nil || cn.ReadChain.Len() == 0 {
		return head
	}
	full := make([]byte, 0, len(head)+cn.ReadChain.Len())
	full = append(full, head...)
	for _, chunk := range cn.ReadChain.Chunks(c.pool) {
		full = append(full, chunk...)
	}
	return full
}

// runProtocol drives parse -> dispatch -> transition until the
// connection needs more bytes, has a response to flush, or must close.
// Zero-byte responses (noreply) loop straight into the next pipelined
// command.
func (c *core) runProtocol(cn *conn.Connection) Action {
	for {
		input := c.assembleInput(cn)
		out := c.pool.GetMut(cn.WriteBuf)

		res := protocol.Process(cn.Proto, input, out, &c.env, &cn.RespDialect)

		switch res.Kind {
		case protocol.KindNeedData:
			return ActionRead

		case protocol.KindNeedValue:
			// Admission already ran at header-parse time; anything
			// reaching here is within the value limit. ExpectedTotal is
			// a floor (trailing RESP elements may follow the big bulk);
			// one buffer of slack on top of the cap covers framing
			// overhead.
			cn.ExpectedTotal = res.ExpectedTotal()
			if cn.ReadChain == nil {
				cn.ReadChain = buffer.NewChain(c.cfg.BufferSize, c.cfg.ChainBuffers()+1)
			}
			return ActionRead

		case protocol.KindResponse:
			if err := c.consume(cn, input, res.Consumed); err != nil {
				c.log.WithError(err).Warn("pool exhausted carrying pipelined bytes")
				return ActionClose
			}
			if res.ResponseLen == 0 && !res.CloseAfter {
				// noreply: no emission; keep parsing pipelined input.
				if cn.State.Filled > 0 {
					continue
				}
				return ActionRead
			}
			// Filled survives the Writing state so pipelined bytes are
			// re-parsed once the flush completes.
			next := conn.Writing(res.ResponseLen)
			next.Filled = cn.State.Filled
			cn.State = next
			cn.Pending = out[:res.ResponseLen]
			if res.CloseAfter {
				cn.Phase = conn.PhaseClosing
			}
			return ActionWrite

		case protocol.KindLargeResponse:
			if err := c.consume(cn, input, res.Consumed); err != nil {
				c.log.WithError(err).Warn("pool exhausted carrying pipelined bytes")
				return ActionClose
			}
			chain := buffer.NewChain(c.cfg.BufferSize, 0)
			if _, err := chain.Append(res.Response, c.pool); err != nil {
				chain.Release(c.pool)
				c.log.WithError(err).Warn("pool exhausted building response chain")
				return ActionClose
			}
			next := conn.Writing(chain.Len())
			next.Filled = cn.State.Filled
			cn.State = next
			cn.WriteChain = chain
			if res.CloseAfter {
				cn.Phase = conn.PhaseClosing
			}
			return ActionWrite

		case protocol.KindClose:
			return ActionClose
		}
	}
}

// consume drops the processed prefix of the logical input and resets
// the accumulation state so the remainder (pipelined commands) sits at
// the start of the read buffer. An unbounded kernel read can leave more
// than one buffer of remainder; the overflow spills into a fresh chain
// and is drained by the caller's re-parse loop.
func (c *core) consume(cn *conn.Connection, input []byte, consumed int) error {
	if cn.ReadChain != nil {
		cn.ReadChain.Release(c.pool)
		cn.ReadChain = nil
	}
	cn.ExpectedTotal = 0

	remainder := len(input) - consumed
	if remainder <= 0 {
		cn.State = conn.Reading(0)
		return nil
	}
	buf := c.pool.GetMut(cn.ReadBuf)
	n := copy(buf, input[consumed:])
	cn.State = conn.Reading(n)
	if n < remainder {
		cn.ReadChain = buffer.NewChain(c.cfg.BufferSize, c.cfg.ChainBuffers()+1)
		if _, err := cn.ReadChain.Append(input[consumed+n:], c.pool); err != nil {
			return err
		}
	}
	return nil
}

// finishWrite is invoked by backends once a response is fully flushed.
// It releases the response representation and re-enters Reading; the
// returned action is ActionWrite again only if re-parsing pipelined
// bytes produced the next response immediately.
func (c *core) finishWrite(cn *conn.Connection) Action {
	if cn.WriteChain != nil {
		cn.WriteChain.Release(c.pool)
		cn.WriteChain = nil
	}
	cn.Pending = nil

	if cn.Phase == conn.PhaseClosing {
		return ActionClose
	}

	filled := cn.State.Filled
	cn.State = conn.Reading(filled)
	if filled > 0 {
		// Pipelined commands already buffered: re-parse before going
		// back to the event mechanism.
		return c.runProtocol(cn)
	}
	return ActionRead
}

// closeConn removes the connection from the registry and returns every
// buffer it referenced.
func (c *core) closeConn(id int) *conn.Connection {
	cn := c.registry.Remove(id)
	if cn == nil {
		return nil
	}
	cn.Phase = conn.PhaseClosing
	cn.ReleaseBuffers(c.pool)
	return cn
}
