//go:build !linux
// +build !linux

package netio

import "syscall"

// fdOf extracts the underlying OS handle from a net.Conn/net.Listener
// that implements syscall.Conn. It exists purely so portableReactor has
// a stable map key; the portable reactor never issues syscalls against
// this value itself.
func fdOf(sc syscall.Conn) uintptr {
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0
	}
	var fd uintptr
	_ = raw.Control(func(f uintptr) { fd = f })
	return fd
}
