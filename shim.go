// Package kbshim is the public API surface: POSIX-shaped socket and epoll
// entry points that classify every descriptor through the descriptor-
// namespace router. The socket calls operate on bypass socket handles only
// and return EBADF for any other descriptor; they do not forward kernel
// descriptors to the host OS. A kernel descriptor reaches the host kernel
// only through EpollCtl, which registers it with the epoll set's own kernel
// epoll descriptor.
package kbshim

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vireo-systems/kbshim/internal/backend"
	"github.com/vireo-systems/kbshim/internal/epollset"
	"github.com/vireo-systems/kbshim/internal/fdspace"
	"github.com/vireo-systems/kbshim/internal/metrics"
	"github.com/vireo-systems/kbshim/internal/slab"
	"github.com/vireo-systems/kbshim/internal/socket"
	"github.com/vireo-systems/kbshim/internal/telemetry"
	"github.com/vireo-systems/kbshim/internal/trace"
)

// Descriptor is the shim's unified handle type: a kernel fd, a bypass
// epoll handle, or a bypass socket handle, depending on its range.
type Descriptor = fdspace.Descriptor

// ErrNotSupported is returned by operations the shim declines to implement
// (sendmsg/recvmsg, and Socket for anything but AF_INET+SOCK_STREAM), per
// the spec's stated non-goals.
var ErrNotSupported = errors.New("kbshim: not supported")

// Shim owns one process's bypass socket/epoll inventory plus the backend
// that serves it. The package-level functions delegate to a single default
// instance; Shim itself is exposed as an explicit constructor for tests and
// for callers that want more than one inventory in a single process.
type Shim struct {
	provider backend.Provider
	bus      *telemetry.Bus

	mu      sync.Mutex
	sockets *slab.Table[*socket.Socket]
	epolls  *slab.Table[*epollset.Set]
}

// New initializes provider and returns a ready Shim. Init performs
// process-wide one-shot initialization on the backend; calling New twice
// against the same provider is the caller's mistake, not this package's to
// guard.
func New(provider backend.Provider, args map[string]string, bus *telemetry.Bus) (*Shim, error) {
	if err := provider.Init(args); err != nil {
		return nil, err
	}
	return &Shim{
		provider: provider,
		bus:      bus,
		sockets:  slab.New[*socket.Socket](),
		epolls:   slab.New[*epollset.Set](),
	}, nil
}

func (s *Shim) classify(fd Descriptor) fdspace.Class { return fdspace.Classify(fd) }

// Socket allocates a bypass socket for AF_INET+SOCK_STREAM; any other
// family/type combination is rejected — this shim never creates raw
// kernel sockets on the caller's behalf, it only routes to descriptors the
// caller already owns.
func (s *Shim) Socket(family, typ, proto int) (Descriptor, error) {
	if family != unix.AF_INET || typ != unix.SOCK_STREAM {
		return 0, ErrNotSupported
	}

	qd, err := s.provider.Socket(family, typ, proto)
	if err != nil {
		return 0, err
	}
	sock := socket.New(s.provider, qd)
	sock.SetBus(s.bus)

	s.mu.Lock()
	idx := s.sockets.Alloc(sock)
	metrics.OpenSockets.Inc()
	s.mu.Unlock()

	handle := fdspace.SocketHandle(idx)
	trace.Logf("socket: allocated handle %d (qd=%v)", handle, qd)
	s.bus.SocketOpened(handle)
	return handle, nil
}

func (s *Shim) socketAt(fd Descriptor) (*socket.Socket, error) {
	if fdspace.Classify(fd) != fdspace.ClassSocket {
		return nil, unix.EBADF
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, ok := s.sockets.Get(fdspace.SocketIndex(fd))
	if !ok {
		return nil, unix.EBADF
	}
	return sock, nil
}

func (s *Shim) epollAt(fd Descriptor) (*epollset.Set, error) {
	if fdspace.Classify(fd) != fdspace.ClassEpoll {
		return nil, unix.EBADF
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.epolls.Get(fdspace.EpollIndex(fd))
	if !ok {
		return nil, unix.EBADF
	}
	return set, nil
}

// Bind associates a local address with a bypass socket.
func (s *Shim) Bind(fd Descriptor, addr *net.TCPAddr) error {
	sock, err := s.socketAt(fd)
	if err != nil {
		return err
	}
	return sock.Bind(addr)
}

// Listen enters accepting mode on a bypass socket.
func (s *Shim) Listen(fd Descriptor, backlog int) error {
	sock, err := s.socketAt(fd)
	if err != nil {
		return err
	}
	return sock.Listen(backlog)
}

// Accept yields a new bypass socket handle for an accepted connection, or
// EWOULDBLOCK if none is ready yet.
func (s *Shim) Accept(fd Descriptor) (Descriptor, net.Addr, error) {
	sock, err := s.socketAt(fd)
	if err != nil {
		return 0, nil, err
	}
	result, err := sock.Accept()
	if err != nil {
		return 0, nil, err
	}

	accepted := socket.New(s.provider, result.NewQD)
	accepted.SetBus(s.bus)
	s.mu.Lock()
	idx := s.sockets.Alloc(accepted)
	metrics.OpenSockets.Inc()
	s.mu.Unlock()

	handle := fdspace.SocketHandle(idx)
	s.bus.SocketOpened(handle)
	return handle, result.Peer, nil
}

// Read reads from a bypass socket, or EWOULDBLOCK if no data is buffered
// and no completion is ready yet.
func (s *Shim) Read(fd Descriptor, buf []byte) (int, error) {
	sock, err := s.socketAt(fd)
	if err != nil {
		return 0, err
	}
	return sock.Read(buf)
}

// Write submits buf for sending on a bypass socket.
func (s *Shim) Write(fd Descriptor, buf []byte) (int, error) {
	sock, err := s.socketAt(fd)
	if err != nil {
		return 0, err
	}
	return sock.Write(buf)
}

// Readv scatters a single backend receive across iovs, in order, stopping
// at the first short fill.
func (s *Shim) Readv(fd Descriptor, iovs [][]byte) (int, error) {
	sock, err := s.socketAt(fd)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, iov := range iovs {
		if len(iov) == 0 {
			continue
		}
		n, err := sock.Read(iov)
		total += n
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		if n < len(iov) {
			break
		}
	}
	return total, nil
}

// Writev gathers iovs into a single push, preserving byte order.
func (s *Shim) Writev(fd Descriptor, iovs [][]byte) (int, error) {
	sock, err := s.socketAt(fd)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, iov := range iovs {
		total += len(iov)
	}
	flat := make([]byte, 0, total)
	for _, iov := range iovs {
		flat = append(flat, iov...)
	}
	return sock.Write(flat)
}

// SendMsg is not implemented; the spec permits leaving it unimplemented.
func (s *Shim) SendMsg(fd Descriptor, buf []byte, oob []byte) (int, error) {
	return 0, ErrNotSupported
}

// RecvMsg is not implemented; the spec permits leaving it unimplemented.
func (s *Shim) RecvMsg(fd Descriptor, buf []byte, oob []byte) (int, int, error) {
	return 0, 0, ErrNotSupported
}

// GetSockName returns a bypass socket's bound local address.
func (s *Shim) GetSockName(fd Descriptor) (net.Addr, error) {
	sock, err := s.socketAt(fd)
	if err != nil {
		return nil, err
	}
	return sock.LocalAddr()
}

// SetSockOpt on a bypass socket is accepted and ignored.
func (s *Shim) SetSockOpt(fd Descriptor, level, name int, value []byte) error {
	if _, err := s.socketAt(fd); err != nil {
		return err
	}
	return nil
}

// Close releases a bypass socket, blocking until any pending tokens drain.
func (s *Shim) Close(ctx context.Context, fd Descriptor) error {
	sock, err := s.socketAt(fd)
	if err != nil {
		return err
	}
	if err := sock.Close(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.sockets.Free(fdspace.SocketIndex(fd))
	metrics.OpenSockets.Dec()
	s.mu.Unlock()

	s.bus.SocketClosed(fd)
	return nil
}

// EpollCreate allocates a bypass epoll set.
func (s *Shim) EpollCreate() (Descriptor, error) {
	set := epollset.New(s.provider, s.bus)

	s.mu.Lock()
	idx := s.epolls.Alloc(set)
	metrics.OpenEpollSets.Inc()
	s.mu.Unlock()

	handle := fdspace.EpollHandle(idx)
	set.SetHandle(handle)
	return handle, nil
}

// EpollCtl is polymorphic in its watched descriptor: a bypass socket is
// added to the set's internal container; a kernel descriptor is added
// through the set's owned kernel epoll descriptor.
func (s *Shim) EpollCtl(epfd Descriptor, op int, watched Descriptor, events uint32, userData uint64) error {
	set, err := s.epollAt(epfd)
	if err != nil {
		return err
	}

	if fdspace.Classify(watched) == fdspace.ClassSocket {
		sock, err := s.socketAt(watched)
		if err != nil {
			return err
		}
		switch op {
		case unix.EPOLL_CTL_ADD:
			return set.AddSocket(sock, events, userData)
		case unix.EPOLL_CTL_MOD:
			return set.ModSocket(sock, events, userData)
		case unix.EPOLL_CTL_DEL:
			return set.DelSocket(sock)
		default:
			return unix.EINVAL
		}
	}

	switch op {
	case unix.EPOLL_CTL_ADD:
		return set.AddKernelFD(int(watched), events, userData)
	case unix.EPOLL_CTL_MOD:
		return set.ModKernelFD(int(watched), events, userData)
	case unix.EPOLL_CTL_DEL:
		return set.DelKernelFD(int(watched))
	default:
		return unix.EINVAL
	}
}

// Event is one readiness notification from EpollWait.
type Event = epollset.Event

// EpollWait performs one sweep-and-wait, returning up to maxEvents ready
// items.
func (s *Shim) EpollWait(ctx context.Context, epfd Descriptor, maxEvents int, timeout time.Duration) ([]Event, error) {
	set, err := s.epollAt(epfd)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	events, err := set.Wait(ctx, maxEvents, timeout)
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	metrics.ReadyListDepth.Observe(float64(len(events)))
	return events, nil
}

// Stats returns point-in-time counts of this Shim's own inventory — open
// bypass sockets and open bypass epoll sets — for callers that want to
// publish them (e.g. the optional Redis introspection snapshot) without
// scraping the Prometheus registry.
func (s *Shim) Stats() (openSockets, openEpollSets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sockets.Len(), s.epolls.Len()
}

// EpollClose releases a bypass epoll set's owned kernel epoll descriptor.
func (s *Shim) EpollClose(epfd Descriptor) error {
	set, err := s.epollAt(epfd)
	if err != nil {
		return err
	}
	if err := set.Close(); err != nil {
		return err
	}

	s.mu.Lock()
	s.epolls.Free(fdspace.EpollIndex(epfd))
	metrics.OpenEpollSets.Dec()
	s.mu.Unlock()
	return nil
}
