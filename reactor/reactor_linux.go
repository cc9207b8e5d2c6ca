//go:build linux
// +build linux

package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollReactor is an epoll(7)-backed Reactor. Not safe for concurrent use
// by more than one Worker; each Worker owns its own instance.
type epollReactor struct {
	epfd int

	mu       sync.Mutex
	userData map[int32]uintptr
}

func newPlatformReactor() (Reactor, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollReactor{epfd: fd, userData: make(map[int32]uintptr)}, nil
}

func toEpollEvents(interest Interest) uint32 {
	var ev uint32
	if interest&InterestRead != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (r *epollReactor) Register(fd uintptr, userData uintptr, interest Interest) error {
	r.mu.Lock()
	r.userData[int32(fd)] = userData
	r.mu.Unlock()
	ev := unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev)
}

func (r *epollReactor) Modify(fd uintptr, interest Interest) error {
	ev := unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, int(fd), &ev)
}

func (r *epollReactor) Unregister(fd uintptr) error {
	r.mu.Lock()
	delete(r.userData, int32(fd))
	r.mu.Unlock()
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (r *epollReactor) Wait(out []Event, timeout time.Duration) (int, error) {
	raw := make([]unix.EpollEvent, len(out))
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(r.epfd, raw, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	r.mu.Lock()
	for i := 0; i < n; i++ {
		ud := r.userData[raw[i].Fd]
		out[i] = Event{
			Fd:       uintptr(raw[i].Fd),
			UserData: ud,
			Readable: raw[i].Events&(unix.EPOLLIN|unix.EPOLLHUP) != 0,
			Writable: raw[i].Events&unix.EPOLLOUT != 0,
			Error:    raw[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		}
	}
	r.mu.Unlock()
	return n, nil
}

func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}
