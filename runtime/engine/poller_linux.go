//go:build linux

package engine

import "golang.org/x/sys/unix"

// epollPoller is the Linux readiness mechanism (level-triggered).
type epollPoller struct {
	epfd int
	raw  []unix.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: epfd}, nil
}

func epollMask(readable, writable bool) uint32 {
	var mask uint32
	if readable {
		mask |= unix.EPOLLIN
	}
	if writable {
		mask |= unix.EPOLLOUT
	}
	return mask | unix.EPOLLRDHUP
}

func (p *epollPoller) ctl(op, fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: epollMask(readable, writable), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, op, fd, &ev)
}

func (p *epollPoller) add(fd int, readable, writable bool) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, readable, writable)
}

func (p *epollPoller) mod(fd int, readable, writable bool) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, readable, writable)
}

func (p *epollPoller) del(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) wait(events []pollEvent, timeoutMs int) (int, error) {
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]

	for {
		n, err := unix.EpollWait(p.epfd, raw, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		for i := 0; i < n; i++ {
			// Hangups and errors surface as readable: the next read
			// returns EOF or the error and the connection closes.
			readable := raw[i].Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0
			events[i] = pollEvent{
				fd:       int(raw[i].Fd),
				readable: readable,
				writable: raw[i].Events&unix.EPOLLOUT != 0,
			}
		}
		return n, nil
	}
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}
