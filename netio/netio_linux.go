//go:build linux
// +build linux

package netio

import (
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Listen opens a non-blocking TCP listener on addr (host:port).
func Listen(addr string, backlog int) (Listener, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if backlog <= 0 {
		backlog = 1024
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &linuxListener{fd: fd}, nil
}

// Connect begins a non-blocking outbound connection to addr. The caller
// must wait for write-readiness on the returned Conn's fd before
// treating the connect as complete (standard non-blocking connect(2)
// semantics).
func Connect(addr string) (Conn, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, err
	}
	return &linuxConn{fd: fd}, nil
}

func resolveSockaddr(addr string) (unix.Sockaddr, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, err
	}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = tcpAddr.Port
		copy(sa.Addr[:], ip4)
		return &sa, unix.AF_INET, nil
	}
	var sa unix.SockaddrInet6
	sa.Port = tcpAddr.Port
	copy(sa.Addr[:], tcpAddr.IP.To16())
	return &sa, unix.AF_INET6, nil
}

type linuxListener struct {
	fd int
}

func (l *linuxListener) Fd() uintptr { return uintptr(l.fd) }

func (l *linuxListener) Accept() (Conn, error) {
	fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, ErrWouldBlock
		}
		return nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return &linuxConn{fd: fd}, nil
}

func (l *linuxListener) Close() error { return unix.Close(l.fd) }

type linuxConn struct {
	fd int
}

func (c *linuxConn) Fd() uintptr { return uintptr(c.fd) }

func (c *linuxConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *linuxConn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (c *linuxConn) Close() error { return unix.Close(c.fd) }
