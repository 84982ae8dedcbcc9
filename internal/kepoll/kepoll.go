//go:build linux

// Package kepoll wraps the host kernel's epoll syscalls for the readiness
// engine's kernel-FD passthrough path: descriptors outside the bypass range
// are registered here and harvested during the same wait call that drains
// bypass-socket readiness.
package kepoll

import (
	"time"

	"golang.org/x/sys/unix"
)

// Event is one harvested kernel readiness notification.
type Event struct {
	FD     int
	Events uint32
}

// Epoll owns one host epoll file descriptor.
type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

// New creates a kernel epoll instance via epoll_create1.
func New() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{fd: fd, events: make([]unix.EpollEvent, 128)}, nil
}

// Add registers fd for the given event mask (EPOLLIN/EPOLLOUT bits).
func (e *Epoll) Add(fd int, events uint32) error {
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

// Modify changes fd's subscribed event mask.
func (e *Epoll) Modify(fd int, events uint32) error {
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

// Remove unregisters fd.
func (e *Epoll) Remove(fd int) error {
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks up to timeout (negative blocks indefinitely, zero polls) and
// returns the fds that became ready. An EINTR is treated as zero events
// rather than an error, matching epoll_wait's own retry convention.
func (e *Epoll) Wait(timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(e.fd, e.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = Event{FD: int(e.events[i].Fd), Events: e.events[i].Events}
	}
	return out, nil
}

// Close closes the underlying kernel epoll descriptor.
func (e *Epoll) Close() error {
	return unix.Close(e.fd)
}
