//go:build darwin || freebsd || netbsd || openbsd

package engine

import "golang.org/x/sys/unix"

// acceptConn accepts one pending connection as non-blocking.
func acceptConn(listenFD int) (int, error) {
	fd, _, err := unix.Accept(listenFD)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
