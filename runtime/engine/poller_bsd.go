//go:build darwin || freebsd || netbsd || openbsd

package engine

import "golang.org/x/sys/unix"

// kqueuePoller is the BSD-family readiness mechanism. Filters are
// managed pairwise (EVFILT_READ / EVFILT_WRITE) to emulate the
// level-triggered interest sets the event loop expects.
type kqueuePoller struct {
	kq  int
	raw []unix.Kevent_t
}

func newPoller() (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueuePoller{kq: kq}, nil
}

func (p *kqueuePoller) apply(fd int, filter int, enable bool) error {
	flags := unix.EV_ADD
	if !enable {
		flags = unix.EV_DELETE
	}
	var change unix.Kevent_t
	unix.SetKevent(&change, fd, filter, flags)
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{change}, nil, nil)
	if !enable && err == unix.ENOENT {
		// Deleting an interest that was never armed is a no-op.
		err = nil
	}
	return err
}

func (p *kqueuePoller) set(fd int, readable, writable bool) error {
	if err := p.apply(fd, unix.EVFILT_READ, readable); err != nil {
		return err
	}
	return p.apply(fd, unix.EVFILT_WRITE, writable)
}

func (p *kqueuePoller) add(fd int, readable, writable bool) error {
	return p.set(fd, readable, writable)
}

func (p *kqueuePoller) mod(fd int, readable, writable bool) error {
	return p.set(fd, readable, writable)
}

func (p *kqueuePoller) del(fd int) error {
	return p.set(fd, false, false)
}

func (p *kqueuePoller) wait(events []pollEvent, timeoutMs int) (int, error) {
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.Kevent_t, len(events))
	}
	raw := p.raw[:len(events)]

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	for {
		n, err := unix.Kevent(p.kq, nil, raw, ts)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		for i := 0; i < n; i++ {
			ev := pollEvent{fd: int(raw[i].Ident)}
			switch raw[i].Filter {
			case unix.EVFILT_READ:
				ev.readable = true
			case unix.EVFILT_WRITE:
				ev.writable = true
			}
			if raw[i].Flags&unix.EV_EOF != 0 {
				ev.readable = true
			}
			events[i] = ev
		}
		return n, nil
	}
}

func (p *kqueuePoller) close() error {
	return unix.Close(p.kq)
}
