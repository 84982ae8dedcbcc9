package kbshim

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/vireo-systems/kbshim/internal/backend"
	"github.com/vireo-systems/kbshim/internal/telemetry"
)

// ErrAlreadyInitialized is returned by Init when called more than once. A
// single process-wide backend instance is the only supported deployment
// (per the engine's global-state design note); re-initializing would leak
// or double-close the first one.
var ErrAlreadyInitialized = errors.New("kbshim: already initialized")

var (
	defaultMu   sync.Mutex
	defaultShim *Shim
)

// Init performs the shim's one-shot process-wide initialization: it
// initializes provider and installs the resulting Shim as the target of
// every package-level call below. bus may be nil to disable lifecycle
// telemetry.
func Init(provider backend.Provider, args map[string]string, bus *telemetry.Bus) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultShim != nil {
		return ErrAlreadyInitialized
	}

	s, err := New(provider, args, bus)
	if err != nil {
		return err
	}
	defaultShim = s
	return nil
}

// Default returns the process-wide Shim installed by Init, or nil if Init
// has not been called yet.
func Default() *Shim {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultShim
}

func must() *Shim {
	s := Default()
	if s == nil {
		panic("kbshim: Init must be called before any bypass operation")
	}
	return s
}

// The functions below are thin wrappers over Default(), replicating the
// POSIX socket/epoll call shapes for applications that want free functions
// instead of holding a *Shim.

func Socket(family, typ, proto int) (Descriptor, error) { return must().Socket(family, typ, proto) }

func Bind(fd Descriptor, addr *net.TCPAddr) error { return must().Bind(fd, addr) }

func Listen(fd Descriptor, backlog int) error { return must().Listen(fd, backlog) }

func Accept(fd Descriptor) (Descriptor, net.Addr, error) { return must().Accept(fd) }

func Read(fd Descriptor, buf []byte) (int, error) { return must().Read(fd, buf) }

func Write(fd Descriptor, buf []byte) (int, error) { return must().Write(fd, buf) }

func Readv(fd Descriptor, iovs [][]byte) (int, error) { return must().Readv(fd, iovs) }

func Writev(fd Descriptor, iovs [][]byte) (int, error) { return must().Writev(fd, iovs) }

func SendMsg(fd Descriptor, buf, oob []byte) (int, error) { return must().SendMsg(fd, buf, oob) }

func RecvMsg(fd Descriptor, buf, oob []byte) (int, int, error) { return must().RecvMsg(fd, buf, oob) }

func GetSockName(fd Descriptor) (net.Addr, error) { return must().GetSockName(fd) }

func SetSockOpt(fd Descriptor, level, name int, value []byte) error {
	return must().SetSockOpt(fd, level, name, value)
}

func Close(ctx context.Context, fd Descriptor) error { return must().Close(ctx, fd) }

func EpollCreate() (Descriptor, error) { return must().EpollCreate() }

func EpollCtl(epfd Descriptor, op int, watched Descriptor, events uint32, userData uint64) error {
	return must().EpollCtl(epfd, op, watched, events, userData)
}

func EpollWait(ctx context.Context, epfd Descriptor, maxEvents int, timeout time.Duration) ([]Event, error) {
	return must().EpollWait(ctx, epfd, maxEvents, timeout)
}

func EpollClose(epfd Descriptor) error { return must().EpollClose(epfd) }
