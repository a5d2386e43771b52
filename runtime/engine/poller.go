package engine

// pollEvent is one readiness notification, normalized across pollers.
type pollEvent struct {
	fd       int
	readable bool
	writable bool
}

// poller is the level-triggered readiness mechanism behind the
// readiness backend: epoll on Linux, kqueue on BSD-family kernels.
type poller interface {
	// add registers fd with the given interest set.
	add(fd int, readable, writable bool) error
	// mod replaces fd's interest set.
	mod(fd int, readable, writable bool) error
	// del removes fd.
	del(fd int) error
	// wait blocks for at least one event (timeoutMs < 0 = forever)
	// and fills events, returning the count.
	wait(events []pollEvent, timeoutMs int) (int, error)
	// close releases the poller.
	close() error
}
