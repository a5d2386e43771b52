//go:build linux

package engine

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/VictoriaMetrics/metrics"
	"github.com/growcache/growcache/lib/storage"
	"github.com/growcache/growcache/runtime/common"
	"github.com/growcache/growcache/runtime/conn"
	"github.com/growcache/growcache/runtime/protocol"
	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// Completion backend (io_uring + kernel-selected buffer ring)
// --------------------------------------------------------------------------

var logUring = common.GetLogger("engine/uring")

// kernelRingBuffers is the number of pool buffers parked in each
// worker's provided-buffer ring.
const kernelRingBuffers = 256

// wakeConnID marks the shutdown pipe's read token.
const wakeConnID = -1

// completionEngine runs one io_uring per worker. Operations are
// submitted with correlation tokens; results arrive as completions
// drained in bounded batches. Reads use kernel-selected buffers whose
// contents are copied into the owning connection's accumulation buffer
// before the kernel buffer is recycled.
type completionEngine struct {
	cfg   common.ServerConfig
	store storage.IStorage

	stop      atomic.Bool
	mu        sync.Mutex
	listeners []int
	wakeFDs   []int
}

func newCompletionEngine(cfg common.ServerConfig, store storage.IStorage) (IEngine, error) {
	// Probe ring support up front so misconfiguration fails at startup,
	// not in the first worker.
	probe, err := newURing(8)
	if err != nil {
		return nil, fmt.Errorf("io_uring unavailable: %w", err)
	}
	probe.close()
	return &completionEngine{cfg: cfg, store: store}, nil
}

func (e *completionEngine) Run() error {
	n := e.cfg.NumWorkers()
	logUring.WithField("workers", n).
		WithField("addr", e.cfg.Listen).
		WithField("ring_size", e.cfg.RingSize).
		WithField("protocol", e.cfg.Protocol).
		Info("starting completion runtime")

	errCh := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runtime.LockOSThread()
			if err := e.workerLoop(id); err != nil && !e.stop.Load() {
				logUring.WithField("worker", id).WithError(err).Error("worker failed")
				errCh <- err
				e.Shutdown()
			}
		}(i)
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (e *completionEngine) Shutdown() {
	if e.stop.Swap(true) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, fd := range e.listeners {
		unix.Close(fd)
	}
	e.listeners = nil
	// A byte on the wake pipe produces a completion even while the
	// worker is parked in submit_and_wait.
	for _, fd := range e.wakeFDs {
		unix.Write(fd, []byte{0})
	}
}

func (e *completionEngine) register(listenFD, wakeFD int) {
	e.mu.Lock()
	e.listeners = append(e.listeners, listenFD)
	e.wakeFDs = append(e.wakeFDs, wakeFD)
	e.mu.Unlock()
}

// --------------------------------------------------------------------------
// Worker loop
// --------------------------------------------------------------------------

type uringWorker struct {
	*core
	engine   *completionEngine
	ring     *uring
	bufs     *bufRing
	tokens   *conn.TokenAllocator
	listenFD int
	wakeR    int
	wakeByte [1]byte

	accepted *metrics.Counter
	refused  *metrics.Counter
	closed   *metrics.Counter
	commands *metrics.Counter
}

func (e *completionEngine) workerLoop(id int) error {
	listenFD, err := newListener(e.cfg.Listen)
	if err != nil {
		return err
	}

	ring, err := newURing(e.cfg.RingSize)
	if err != nil {
		unix.Close(listenFD)
		return err
	}

	env := protocol.Env{
		Store:        e.store,
		MaxValueSize: e.cfg.MaxValueSize,
		BufferSize:   e.cfg.BufferSize,
	}
	w := &uringWorker{
		core:     newCore(e.cfg, env, id, kernelRingBuffers, logUring),
		engine:   e,
		ring:     ring,
		tokens:   conn.NewTokenAllocator(e.cfg.MaxConnections * 2),
		listenFD: listenFD,
		accepted: metrics.GetOrCreateCounter(fmt.Sprintf(`growcache_connections_accepted_total{worker="%d"}`, id)),
		refused:  metrics.GetOrCreateCounter(fmt.Sprintf(`growcache_connections_refused_total{worker="%d"}`, id)),
		closed:   metrics.GetOrCreateCounter(fmt.Sprintf(`growcache_connections_closed_total{worker="%d"}`, id)),
		commands: metrics.GetOrCreateCounter(fmt.Sprintf(`growcache_responses_total{worker="%d"}`, id)),
	}

	w.bufs, err = newBufRing(ring, w.pool, 0, kernelRingBuffers)
	if err != nil {
		ring.close()
		unix.Close(listenFD)
		return err
	}

	var pipeFDs [2]int
	if err := unix.Pipe(pipeFDs[:]); err != nil {
		w.bufs.release(ring)
		ring.close()
		unix.Close(listenFD)
		return err
	}
	w.wakeR = pipeFDs[0]
	e.register(listenFD, pipeFDs[1])

	defer w.teardown()

	// Seed the ring: one accept, one wake-pipe read.
	if err := w.submitAccept(); err != nil {
		return err
	}
	if err := w.submitWakeRead(); err != nil {
		return err
	}

	w.log.WithField("pool_buffers", w.pool.Capacity()).
		WithField("kernel_buffers", kernelRingBuffers).
		Info("worker started")

	for {
		if err := w.ring.submitAndWait(1); err != nil {
			return err
		}
		if e.stop.Load() {
			return nil
		}

		for processed := 0; processed < e.cfg.BatchSize; processed++ {
			cqe, ok := w.ring.peekCQE()
			if !ok {
				break
			}
			if err := w.handleCQE(cqe); err != nil {
				return err
			}
			if e.stop.Load() {
				return nil
			}
		}
	}
}

func (w *uringWorker) teardown() {
	ids := make([]int, 0, w.registry.Len())
	w.registry.Each(func(id int, cn *conn.Connection) {
		unix.Close(cn.FD)
		ids = append(ids, id)
	})
	for _, id := range ids {
		w.closeConn(id)
	}
	w.bufs.release(w.ring)
	w.ring.close()
	unix.Close(w.wakeR)
}

// --------------------------------------------------------------------------
// Submissions
// --------------------------------------------------------------------------

func (w *uringWorker) submitAccept() error {
	token := w.tokens.Alloc(conn.Op{Kind: conn.OpAccept})
	return w.ring.prepAccept(w.listenFD, token)
}

func (w *uringWorker) submitWakeRead() error {
	token := w.tokens.Alloc(conn.Op{Kind: conn.OpRead, ConnID: wakeConnID})
	sqe, err := w.ring.getSQE()
	if err != nil {
		return err
	}
	sqe.opcode = opRead
	sqe.fd = int32(w.wakeR)
	sqe.addr = uint64(uintptr(unsafe.Pointer(&w.wakeByte[0])))
	sqe.len = 1
	sqe.userData = token
	return nil
}

func (w *uringWorker) submitRead(id int, cn *conn.Connection) error {
	token := w.tokens.Alloc(conn.Op{Kind: conn.OpRead, ConnID: id, BufIdx: conn.NoBuffer})
	return w.ring.prepReadSelect(cn.FD, w.bufs.group, w.pool.BufferSize(), token)
}

func (w *uringWorker) submitWrite(id int, cn *conn.Connection) error {
	slice := w.writeSlice(cn)
	if len(slice) == 0 {
		return nil
	}
	token := w.tokens.Alloc(conn.Op{Kind: conn.OpWrite, ConnID: id, BufIdx: cn.WriteBuf})
	return w.ring.prepWrite(cn.FD, slice, token)
}

// writeSlice returns the next contiguous unwritten span of the pending
// response. Chain responses flush chunk by chunk: a short write simply
// resubmits the remainder of the current chunk.
func (w *uringWorker) writeSlice(cn *conn.Connection) []byte {
	if cn.WriteChain == nil {
		return cn.Pending[cn.State.Written:cn.State.Total]
	}
	skip := cn.State.Written
	for _, chunk := range cn.WriteChain.Chunks(w.pool) {
		if skip >= len(chunk) {
			skip -= len(chunk)
			continue
		}
		return chunk[skip:]
	}
	return nil
}

// --------------------------------------------------------------------------
// Completions
// --------------------------------------------------------------------------

func (w *uringWorker) handleCQE(cqe uringCqe) error {
	op, ok := w.tokens.Free(cqe.userData)
	if !ok {
		w.log.WithField("token", cqe.userData).Warn("unknown completion token")
		return nil
	}

	switch op.Kind {
	case conn.OpAccept:
		return w.handleAccept(cqe)
	case conn.OpRead:
		if op.ConnID == wakeConnID {
			// Shutdown wake; the loop exits on the stop flag.
			return nil
		}
		return w.handleRead(cqe, op.ConnID)
	case conn.OpWrite:
		return w.handleWrite(cqe, op.ConnID)
	}
	return nil
}

func (w *uringWorker) handleAccept(cqe uringCqe) error {
	// Always re-arm the accept first.
	if err := w.submitAccept(); err != nil {
		return err
	}

	if cqe.res < 0 {
		if !w.engine.stop.Load() {
			w.log.WithField("errno", -cqe.res).Warn("accept failed")
		}
		return nil
	}

	fd := int(cqe.res)
	tuneConn(fd)

	cn := conn.New(fd, w.cfg.Protocol)
	id, err := w.registry.Insert(cn)
	if err != nil {
		unix.Close(fd)
		w.refused.Inc()
		return nil
	}

	w.accepted.Inc()
	w.log.WithField("conn", id).WithField("fd", fd).Debug("accepted connection")
	return w.submitRead(id, cn)
}

func (w *uringWorker) handleRead(cqe uringCqe, id int) error {
	cn := w.registry.Get(id)

	// A kernel-selected buffer must be recycled no matter what.
	bid := -1
	if cqe.flags&cqeFBuffer != 0 {
		bid = int(cqe.flags >> cqeBufferShift)
	}
	defer func() {
		if bid >= 0 {
			w.bufs.push(bid)
		}
	}()

	if cn == nil {
		return nil
	}

	if cqe.res == -int32(unix.ENOBUFS) {
		// All provided buffers in flight; retry once recycling catches up.
		return w.submitRead(id, cn)
	}
	if cqe.res <= 0 || bid < 0 {
		w.closeFD(id)
		return nil
	}

	if cn.ReadBuf == conn.NoBuffer {
		if !w.allocConnBuffers(cn) {
			w.log.Warn("buffer pool exhausted, dropping connection")
			w.closeFD(id)
			w.refused.Inc()
			return nil
		}
	}

	// Copy out of the kernel buffer before it is recycled; the hot path
	// for small values fits one kernel buffer, so this is the only copy.
	data := w.bufs.buffer(bid)[:cqe.res]
	if err := w.ingest(cn, data); err != nil {
		w.log.WithField("conn", id).WithError(err).Debug("ingest failed")
		w.closeFD(id)
		return nil
	}

	return w.applyAction(id, cn, w.runProtocol(cn))
}

func (w *uringWorker) handleWrite(cqe uringCqe, id int) error {
	cn := w.registry.Get(id)
	if cn == nil {
		return nil
	}
	if cqe.res <= 0 {
		w.closeFD(id)
		return nil
	}

	cn.State.Written += int(cqe.res)
	if cn.State.Written < cn.State.Total {
		// Short write on socket buffer pressure: submit the remainder.
		return w.submitWrite(id, cn)
	}

	w.commands.Inc()
	return w.applyAction(id, cn, w.finishWrite(cn))
}

func (w *uringWorker) allocConnBuffers(cn *conn.Connection) bool {
	readBuf, ok := w.pool.Alloc()
	if !ok {
		return false
	}
	writeBuf, ok := w.pool.Alloc()
	if !ok {
		w.pool.Free(readBuf)
		return false
	}
	cn.ReadBuf = readBuf
	cn.WriteBuf = writeBuf
	return true
}

func (w *uringWorker) applyAction(id int, cn *conn.Connection, action Action) error {
	switch action {
	case ActionRead:
		return w.submitRead(id, cn)
	case ActionWrite:
		return w.submitWrite(id, cn)
	case ActionClose:
		w.closeFD(id)
	}
	return nil
}

func (w *uringWorker) closeFD(id int) {
	cn := w.registry.Get(id)
	if cn == nil {
		return
	}
	unix.Close(cn.FD)
	w.closeConn(id)
	w.closed.Inc()
	w.log.WithField("conn", id).Debug("connection closed")
}
