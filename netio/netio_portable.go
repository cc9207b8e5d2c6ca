//go:build !linux
// +build !linux

package netio

import (
	"net"
	"time"
)

// The portable build has no raw-syscall non-blocking socket API
// available across every supported OS, so it emulates non-blocking
// semantics over net.Conn with a one-millisecond deadline: a near-
// immediate deadline turns a blocking Read/Write into one that returns a timeout
// error when nothing is ready, which this package maps to
// ErrWouldBlock. Combined with reactor's portable busy-poll fallback
// this gives correct, if not maximally efficient, behavior off Linux.

// Listen opens a TCP listener on addr.
func Listen(addr string, backlog int) (Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &portableListener{l: l.(*net.TCPListener)}, nil
}

// Connect dials addr. The portable path performs a real blocking dial
// (there is no non-blocking connect(2) equivalent in net); callers
// still see Conn as ready for immediate Read/Write polling afterward.
func Connect(addr string) (Conn, error) {
	c, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return &portableConn{c: c.(*net.TCPConn)}, nil
}

type portableListener struct {
	l *net.TCPListener
}

func (p *portableListener) Fd() uintptr { return fdOf(p.l) }

func (p *portableListener) Accept() (Conn, error) {
	_ = p.l.SetDeadline(time.Now().Add(time.Millisecond))
	c, err := p.l.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrWouldBlock
		}
		return nil, err
	}
	tc := c.(*net.TCPConn)
	_ = tc.SetNoDelay(true)
	return &portableConn{c: tc}, nil
}

func (p *portableListener) Close() error { return p.l.Close() }

type portableConn struct {
	c *net.TCPConn
}

func (p *portableConn) Fd() uintptr { return fdOf(p.c) }

func (p *portableConn) Read(buf []byte) (int, error) {
	_ = p.c.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := p.c.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (p *portableConn) Write(buf []byte) (int, error) {
	_ = p.c.SetWriteDeadline(time.Now().Add(time.Millisecond))
	n, err := p.c.Write(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (p *portableConn) Close() error { return p.c.Close() }
