//go:build linux

package engine

import "golang.org/x/sys/unix"

// acceptConn accepts one pending connection as non-blocking.
func acceptConn(listenFD int) (int, error) {
	fd, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return fd, err
}
