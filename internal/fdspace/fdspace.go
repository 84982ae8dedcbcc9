// Package fdspace partitions the 32-bit descriptor space into three disjoint
// ranges — kernel file descriptors, bypass epoll sets, and bypass sockets —
// so that every public entry point can route a call from a bare integer
// handle without any caller-supplied annotation.
package fdspace

// Descriptor is the handle type returned by Socket, EpollCreate, and friends.
// It aliases int to stay source-compatible with POSIX signatures.
type Descriptor = int

const (
	// EpollBase is the first descriptor value reserved for bypass epoll
	// sets. Chosen to exceed any realistic kernel file descriptor.
	EpollBase Descriptor = 1 << 16

	// SocketBase is the first descriptor value reserved for bypass
	// sockets. Chosen to leave room for a large number of concurrently
	// open bypass epoll sets between EpollBase and SocketBase.
	SocketBase Descriptor = EpollBase + 1<<10
)

// Class identifies which of the three disjoint ranges a Descriptor falls in.
type Class int

const (
	// ClassKernel covers untranslated kernel file descriptors. The shim's
	// socket calls reject them with EBADF; only EpollCtl passes them to the
	// host kernel, through an epoll set's kernel epoll descriptor.
	ClassKernel Class = iota
	// ClassEpoll covers bypass epoll set handles.
	ClassEpoll
	// ClassSocket covers bypass socket handles.
	ClassSocket
)

func (c Class) String() string {
	switch c {
	case ClassKernel:
		return "kernel"
	case ClassEpoll:
		return "epoll"
	case ClassSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// Classify is the single comparison every public entry point performs before
// routing a descriptor to the kernel, the epoll layer, or the socket layer.
func Classify(fd Descriptor) Class {
	switch {
	case fd < EpollBase:
		return ClassKernel
	case fd < SocketBase:
		return ClassEpoll
	default:
		return ClassSocket
	}
}

// EpollIndex converts a bypass epoll descriptor into its slab index. The
// caller must have already verified Classify(fd) == ClassEpoll.
func EpollIndex(fd Descriptor) int {
	return fd - EpollBase
}

// EpollHandle is the inverse of EpollIndex.
func EpollHandle(idx int) Descriptor {
	return EpollBase + idx
}

// SocketIndex converts a bypass socket descriptor into its slab index. The
// caller must have already verified Classify(fd) == ClassSocket.
func SocketIndex(fd Descriptor) int {
	return fd - SocketBase
}

// SocketHandle is the inverse of SocketIndex.
func SocketHandle(idx int) Descriptor {
	return SocketBase + idx
}
