package engine

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/growcache/growcache/lib/storage"
	"github.com/growcache/growcache/runtime/common"
	"github.com/growcache/growcache/runtime/conn"
	"github.com/growcache/growcache/runtime/protocol"
	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// Readiness backend (epoll / kqueue)
// --------------------------------------------------------------------------

var logPoll = common.GetLogger("engine/poll")

// readinessEngine runs one level-triggered event loop per worker. The
// kernel reports sockets as ready and the worker performs the transfer
// synchronously; EAGAIN terminates each drain loop, never errors.
type readinessEngine struct {
	cfg   common.ServerConfig
	store storage.IStorage

	stop      atomic.Bool
	mu        sync.Mutex
	listeners []int
}

func newReadinessEngine(cfg common.ServerConfig, store storage.IStorage) *readinessEngine {
	return &readinessEngine{cfg: cfg, store: store}
}

func (e *readinessEngine) Run() error {
	n := e.cfg.NumWorkers()
	logPoll.WithField("workers", n).
		WithField("addr", e.cfg.Listen).
		WithField("protocol", e.cfg.Protocol).
		Info("starting readiness runtime")

	errCh := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runtime.LockOSThread()
			if err := e.workerLoop(id); err != nil && !e.stop.Load() {
				logPoll.WithField("worker", id).WithError(err).Error("worker failed")
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

func (e *readinessEngine) Shutdown() {
	if e.stop.Swap(true) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// Closing the listeners stops new accepts; each worker sees the stop
	// flag when its bounded poll wait returns.
	for _, fd := range e.listeners {
		unix.Close(fd)
	}
	e.listeners = nil
}

func (e *readinessEngine) registerListener(fd int) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fd)
	e.mu.Unlock()
}

// --------------------------------------------------------------------------
// Worker loop
// --------------------------------------------------------------------------

type pollWorker struct {
	*core
	engine   *readinessEngine
	poll     poller
	listenFD int
	fdToConn map[int]int

	accepted *metrics.Counter
	refused  *metrics.Counter
	closed   *metrics.Counter
	commands *metrics.Counter
}

func (e *readinessEngine) workerLoop(id int) error {
	listenFD, err := newListener(e.cfg.Listen)
	if err != nil {
		return err
	}
	e.registerListener(listenFD)

	p, err := newPoller()
	if err != nil {
		unix.Close(listenFD)
		return err
	}
	defer p.close()

	env := protocol.Env{
		Store:        e.store,
		MaxValueSize: e.cfg.MaxValueSize,
		BufferSize:   e.cfg.BufferSize,
	}
	w := &pollWorker{
		core:     newCore(e.cfg, env, id, 0, logPoll),
		engine:   e,
		poll:     p,
		listenFD: listenFD,
		fdToConn: make(map[int]int, e.cfg.MaxConnections),
		accepted: metrics.GetOrCreateCounter(fmt.Sprintf(`growcache_connections_accepted_total{worker="%d"}`, id)),
		refused:  metrics.GetOrCreateCounter(fmt.Sprintf(`growcache_connections_refused_total{worker="%d"}`, id)),
		closed:   metrics.GetOrCreateCounter(fmt.Sprintf(`growcache_connections_closed_total{worker="%d"}`, id)),
		commands: metrics.GetOrCreateCounter(fmt.Sprintf(`growcache_responses_total{worker="%d"}`, id)),
	}

	if err := p.add(listenFD, true, false); err != nil {
		unix.Close(listenFD)
		return err
	}

	w.log.WithField("pool_buffers", w.pool.Capacity()).Info("worker started")
	defer w.teardown()

	// The poll wait is bounded so the stop flag is observed even when
	// no socket event arrives; the same tick paces the idle sweep.
	timeoutMs := 1000

	events := make([]pollEvent, e.cfg.BatchSize)
	for {
		n, err := p.wait(events, timeoutMs)
		if e.stop.Load() {
			return nil
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			if ev.fd == w.listenFD {
				w.acceptLoop()
				continue
			}
			id, ok := w.fdToConn[ev.fd]
			if !ok {
				continue
			}
			if ev.readable {
				w.handleReadable(id)
			}
			// The connection may have closed while reading.
			if id2, ok := w.fdToConn[ev.fd]; ok && id2 == id && ev.writable {
				w.handleWritable(id)
			}
		}

		if e.cfg.IdleTimeoutSec > 0 {
			w.sweepIdle()
		}
	}
}

func (w *pollWorker) teardown() {
	w.registry.Each(func(id int, cn *conn.Connection) {
		w.poll.del(cn.FD)
		unix.Close(cn.FD)
	})
	// Buffers go back to the pool even on teardown so accounting stays
	// honest in tests.
	ids := make([]int, 0, w.registry.Len())
	w.registry.Each(func(id int, _ *conn.Connection) { ids = append(ids, id) })
	for _, id := range ids {
		w.closeConn(id)
	}
}

func (w *pollWorker) acceptLoop() {
	for {
		fd, err := acceptConn(w.listenFD)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err != nil {
			if !w.engine.stop.Load() {
				w.log.WithError(err).Warn("accept failed")
			}
			return
		}

		tuneConn(fd)

		cn := conn.New(fd, w.cfg.Protocol)
		readBuf, okR := w.pool.Alloc()
		if !okR {
			w.log.Warn("buffer pool exhausted, refusing connection")
			unix.Close(fd)
			w.refused.Inc()
			continue
		}
		writeBuf, okW := w.pool.Alloc()
		if !okW {
			w.pool.Free(readBuf)
			w.log.Warn("buffer pool exhausted, refusing connection")
			unix.Close(fd)
			w.refused.Inc()
			continue
		}
		cn.ReadBuf = readBuf
		cn.WriteBuf = writeBuf
		cn.LastProgress = time.Now().Unix()

		id, err := w.registry.Insert(cn)
		if err != nil {
			// Graceful refusal: past the cap, accepts close immediately.
			cn.ReleaseBuffers(w.pool)
			unix.Close(fd)
			w.refused.Inc()
			continue
		}

		if err := w.poll.add(fd, true, false); err != nil {
			w.closeFD(id)
			continue
		}
		w.fdToConn[fd] = id
		w.accepted.Inc()
		w.log.WithField("conn", id).Debug("accepted connection")
	}
}

func (w *pollWorker) handleReadable(id int) {
	cn := w.registry.Get(id)
	if cn == nil || cn.State.Mode != conn.ModeReading {
		return
	}

	target, err := w.readTarget(cn)
	if err != nil {
		w.log.WithField("conn", id).WithError(err).Debug("read setup failed")
		w.closeFD(id)
		return
	}

	n, err := unix.Read(cn.FD, target)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return
	}
	if err != nil || n == 0 {
		w.closeFD(id)
		return
	}

	w.advanceRead(cn, n)
	cn.LastProgress = time.Now().Unix()

	w.apply(id, cn, w.runProtocol(cn))
}

func (w *pollWorker) handleWritable(id int) {
	cn := w.registry.Get(id)
	if cn == nil || cn.State.Mode != conn.ModeWriting {
		return
	}

	var (
		n   int
		err error
	)
	if cn.WriteChain != nil {
		iovs := w.chainRemainder(cn)
		if len(iovs) > 0 {
			n, err = unix.Writev(cn.FD, iovs)
		}
	} else {
		n, err = unix.Write(cn.FD, cn.Pending[cn.State.Written:cn.State.Total])
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return
	}
	if err != nil || (n == 0 && cn.State.Written < cn.State.Total) {
		w.closeFD(id)
		return
	}

	cn.State.Written += n
	cn.LastProgress = time.Now().Unix()
	if cn.State.Written < cn.State.Total {
		return
	}

	w.commands.Inc()
	w.apply(id, cn, w.finishWrite(cn))
}

// chainRemainder builds the scatter-gather list for the unwritten part
// of the response chain.
func (w *pollWorker) chainRemainder(cn *conn.Connection) [][]byte {
	skip := cn.State.Written
	chunks := cn.WriteChain.Chunks(w.pool)
	iovs := make([][]byte, 0, len(chunks))
	for _, chunk := range chunks {
		if skip >= len(chunk) {
			skip -= len(chunk)
			continue
		}
		iovs = append(iovs, chunk[skip:])
		skip = 0
	}
	return iovs
}

// apply translates a core action into poller interest changes.
func (w *pollWorker) apply(id int, cn *conn.Connection, action Action) {
	switch action {
	case ActionRead:
		if err := w.poll.mod(cn.FD, true, false); err != nil {
			w.closeFD(id)
		}
	case ActionWrite:
		if err := w.poll.mod(cn.FD, false, true); err != nil {
			w.closeFD(id)
		}
	case ActionClose:
		w.closeFD(id)
	}
}

func (w *pollWorker) closeFD(id int) {
	cn := w.registry.Get(id)
	if cn == nil {
		return
	}
	w.poll.del(cn.FD)
	unix.Close(cn.FD)
	delete(w.fdToConn, cn.FD)
	w.closeConn(id)
	w.closed.Inc()
	w.log.WithField("conn", id).Debug("connection closed")
}

// sweepIdle closes connections stuck in Reading with no byte progress
// past the configured interval.
func (w *pollWorker) sweepIdle() {
	cutoff := time.Now().Unix() - int64(w.cfg.IdleTimeoutSec)
	var stale []int
	w.registry.Each(func(id int, cn *conn.Connection) {
		if cn.State.Mode == conn.ModeReading && cn.LastProgress < cutoff {
			stale = append(stale, id)
		}
	})
	for _, id := range stale {
		w.log.WithField("conn", id).Debug("closing idle connection")
		w.closeFD(id)
	}
}
