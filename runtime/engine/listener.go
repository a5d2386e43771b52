package engine

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

const listenBacklog = 1024

// newListener creates a non-blocking listening socket on addr with
// SO_REUSEPORT so every worker binds the same endpoint and the kernel
// distributes incoming connections across them.
func newListener(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, fmt.Errorf("resolve %q: %w", addr, err)
	}

	domain := unix.AF_INET
	if tcpAddr.IP.To4() == nil && tcpAddr.IP != nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	cleanup := func(err error) (int, error) {
		unix.Close(fd)
		return -1, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return cleanup(fmt.Errorf("SO_REUSEADDR: %w", err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return cleanup(fmt.Errorf("SO_REUSEPORT: %w", err))
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return cleanup(fmt.Errorf("set nonblock: %w", err))
	}

	var sa unix.Sockaddr
	if domain == unix.AF_INET {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 := tcpAddr.IP.To4(); ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], tcpAddr.IP.To16())
		sa = sa6
	}

	if err := unix.Bind(fd, sa); err != nil {
		return cleanup(fmt.Errorf("bind %q: %w", addr, err))
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return cleanup(fmt.Errorf("listen: %w", err))
	}

	return fd, nil
}

// tuneConn applies per-connection socket options the way the server
// wants its client sockets: no Nagle delay.
func tuneConn(fd int) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}
