// Package engine provides the thread-per-core I/O runtime with two
// interchangeable backends.
//
// The readiness backend blocks in a level-triggered poller (epoll on
// Linux, kqueue on BSD-family kernels) and performs transfers
// synchronously when the kernel reports a socket ready. The completion
// backend submits operations to an io_uring and consumes their results
// as completions, with read buffers selected by the kernel from a
// registered buffer ring and copied into per-connection accumulation
// buffers before recycling.
//
// Both backends share a worker core that owns the buffer pool, the
// connection registry, and the parse/dispatch/transition cycle; only
// the I/O mechanics differ. Each worker is pinned to an OS thread and
// owns a listener bound with SO_REUSEPORT, so the kernel spreads
// connections across workers and no state is shared between them
// except the storage engine.
package engine
