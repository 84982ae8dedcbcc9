// Package epollset implements the readiness engine: the set of watched
// bypass sockets and kernel descriptors, the ready-list of items with
// satisfied events, and the sweep-and-wait algorithm that unifies backend
// token completions with kernel epoll readiness into a single wait call.
//
// The engine is single-threaded cooperative, per the shim's concurrency
// model — a Set is only ever driven from the goroutine that calls Wait, so
// none of its bookkeeping is synchronized.
package epollset

import (
	"container/list"
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vireo-systems/kbshim/internal/backend"
	"github.com/vireo-systems/kbshim/internal/kepoll"
	"github.com/vireo-systems/kbshim/internal/metrics"
	"github.com/vireo-systems/kbshim/internal/socket"
	"github.com/vireo-systems/kbshim/internal/telemetry"
)

// Event is one readiness notification drained from a Wait call, whether
// its source was a bypass socket or a passthrough kernel descriptor.
type Event struct {
	UserData uint64
	Events   uint32
}

type item struct {
	qd       backend.QDesc
	sock     *socket.Socket
	events   uint32
	userData uint64
}

type tokenKind int

const (
	tokenRecv tokenKind = iota
	tokenSend
)

type tokenOwner struct {
	it   *item
	kind tokenKind
}

// Set owns one bypass epoll set: watched bypass sockets, their ready-list,
// and (lazily) the kernel epoll descriptor backing any kernel-FD members.
type Set struct {
	provider backend.Provider
	bus      *telemetry.Bus
	handle   int

	items      map[backend.QDesc]*item
	readyList  *list.List
	readyElems map[backend.QDesc]*list.Element

	kernel    *kepoll.Epoll
	kernelFDs map[int]uint64
}

// New creates an empty Set. The kernel epoll descriptor is created lazily,
// on the first kernel-FD registration, so a set used exclusively for
// bypass sockets never touches the host epoll subsystem. bus may be nil to
// disable lifecycle telemetry for this set.
func New(provider backend.Provider, bus *telemetry.Bus) *Set {
	return &Set{
		provider:   provider,
		bus:        bus,
		items:      make(map[backend.QDesc]*item),
		readyList:  list.New(),
		readyElems: make(map[backend.QDesc]*list.Element),
		kernelFDs:  make(map[int]uint64),
	}
}

// SetHandle records the public epoll handle this Set is reachable under, so
// its telemetry events can report which epoll set an item was evicted from.
// The handle is only known to the caller (Shim) after slab allocation, so
// this is set once, right after New.
func (s *Set) SetHandle(handle int) { s.handle = handle }

// AddSocket registers a bypass socket for the given subscribed event mask
// (EPOLLIN/EPOLLOUT bits) and caller-opaque user data.
func (s *Set) AddSocket(sock *socket.Socket, events uint32, userData uint64) error {
	qd := sock.QDesc()
	if _, exists := s.items[qd]; exists {
		return errors.New("epollset: socket already registered")
	}
	s.items[qd] = &item{qd: qd, sock: sock, events: events, userData: userData}
	return nil
}

// ModSocket changes a registered bypass socket's subscribed events/userdata.
func (s *Set) ModSocket(sock *socket.Socket, events uint32, userData uint64) error {
	it, ok := s.items[sock.QDesc()]
	if !ok {
		return errors.New("epollset: socket not registered")
	}
	it.events = events
	it.userData = userData
	return nil
}

// DelSocket removes a bypass socket from the set. In-flight backend tokens
// are not cancelled — they complete at the backend and are drained at the
// socket's own close, per the engine's cancellation model.
func (s *Set) DelSocket(sock *socket.Socket) error {
	qd := sock.QDesc()
	if _, ok := s.items[qd]; !ok {
		return errors.New("epollset: socket not registered")
	}
	s.unlinkReady(qd)
	delete(s.items, qd)
	return nil
}

func (s *Set) ensureKernel() (*kepoll.Epoll, error) {
	if s.kernel != nil {
		return s.kernel, nil
	}
	k, err := kepoll.New()
	if err != nil {
		return nil, err
	}
	s.kernel = k
	return k, nil
}

// AddKernelFD registers a non-bypass descriptor through the owned kernel
// epoll descriptor.
func (s *Set) AddKernelFD(fd int, events uint32, userData uint64) error {
	k, err := s.ensureKernel()
	if err != nil {
		return err
	}
	if err := k.Add(fd, events); err != nil {
		return err
	}
	s.kernelFDs[fd] = userData
	return nil
}

// ModKernelFD changes a registered kernel descriptor's event mask/userdata.
func (s *Set) ModKernelFD(fd int, events uint32, userData uint64) error {
	if s.kernel == nil {
		return errors.New("epollset: kernel fd not registered")
	}
	if err := s.kernel.Modify(fd, events); err != nil {
		return err
	}
	s.kernelFDs[fd] = userData
	return nil
}

// DelKernelFD unregisters a kernel descriptor.
func (s *Set) DelKernelFD(fd int) error {
	if s.kernel == nil {
		return errors.New("epollset: kernel fd not registered")
	}
	if err := s.kernel.Remove(fd); err != nil {
		return err
	}
	delete(s.kernelFDs, fd)
	return nil
}

// Close releases the owned kernel epoll descriptor, if one was created.
func (s *Set) Close() error {
	if s.kernel == nil {
		return nil
	}
	return s.kernel.Close()
}

func (s *Set) availableEvents(it *item) uint32 {
	var avail uint32
	if it.events&uint32(unix.EPOLLIN) != 0 {
		if it.sock.IsAccepting() {
			if it.sock.CanAccept() {
				avail |= uint32(unix.EPOLLIN)
			}
		} else if it.sock.CanRead() {
			avail |= uint32(unix.EPOLLIN)
		}
	}
	if it.events&uint32(unix.EPOLLOUT) != 0 && it.sock.CanWrite() {
		avail |= uint32(unix.EPOLLOUT)
	}
	return avail
}

func (s *Set) linkReady(qd backend.QDesc, it *item) {
	if _, linked := s.readyElems[qd]; linked {
		return
	}
	s.readyElems[qd] = s.readyList.PushBack(it)
}

func (s *Set) unlinkReady(qd backend.QDesc) {
	el, ok := s.readyElems[qd]
	if !ok {
		return
	}
	s.readyList.Remove(el)
	delete(s.readyElems, qd)
}

// Wait performs one sweep-and-wait: it schedules any missing backend
// operations needed to make subscribed events reachable, waits on the
// union of outstanding tokens bounded by timeout (coerced to zero if the
// ready-list is already non-empty), drains kernel-FD readiness, and emits
// up to maxEvents entries from the ready-list.
func (s *Set) Wait(ctx context.Context, maxEvents int, timeout time.Duration) ([]Event, error) {
	var toEvict []backend.QDesc
	var tokens []backend.Token
	var owners []tokenOwner

	for qd, it := range s.items {
		if !it.sock.IsOpen() {
			toEvict = append(toEvict, qd)
			continue
		}

		if avail := s.availableEvents(it); avail != 0 {
			s.linkReady(qd, it)
		}

		wantRecv := it.events&uint32(unix.EPOLLIN) != 0
		recvAvailable := (it.sock.IsAccepting() && it.sock.CanAccept()) || (!it.sock.IsAccepting() && it.sock.CanRead())
		if wantRecv && !recvAvailable {
			if err := it.sock.EnsureRecvSubmitted(); err != nil {
				return nil, err
			}
		}

		if tok, pending := it.sock.PendingRecvToken(); pending {
			tokens = append(tokens, tok)
			owners = append(owners, tokenOwner{it, tokenRecv})
		}
		if it.events&uint32(unix.EPOLLOUT) != 0 {
			if tok, pending := it.sock.PendingSendToken(); pending {
				tokens = append(tokens, tok)
				owners = append(owners, tokenOwner{it, tokenSend})
			}
		}
	}

	for _, qd := range toEvict {
		s.unlinkReady(qd)
		delete(s.items, qd)
		s.bus.ItemEvicted(s.handle, int(qd))
	}

	var recvPending, sendPending float64
	for _, owner := range owners {
		switch owner.kind {
		case tokenRecv:
			recvPending++
		case tokenSend:
			sendPending++
		}
	}
	metrics.PendingTokens.WithLabelValues("recv").Set(recvPending)
	metrics.PendingTokens.WithLabelValues("send").Set(sendPending)

	waitTimeout := timeout
	if s.readyList.Len() > 0 {
		waitTimeout = 0
	}

	if len(tokens) > 0 {
		completion, idx, err := s.provider.WaitAny(ctx, tokens, waitTimeout)
		switch {
		case err == nil:
			metrics.WaitAnyOutcomes.WithLabelValues("completed").Inc()
			owner := owners[idx]
			switch owner.kind {
			case tokenRecv:
				_ = owner.it.sock.ApplyRecvCompletion(completion)
			case tokenSend:
				_ = owner.it.sock.ApplySendCompletion(completion)
			}
			if avail := s.availableEvents(owner.it); avail != 0 {
				s.linkReady(owner.it.qd, owner.it)
			}
		case errors.Is(err, backend.ErrTimedOut):
			metrics.WaitAnyOutcomes.WithLabelValues("timed_out").Inc()
			// No completion this sweep; proceed to drain whatever is
			// already on the ready-list and any kernel readiness.
		default:
			metrics.WaitAnyOutcomes.WithLabelValues("failed").Inc()
			return nil, err
		}
	}

	out := make([]Event, 0, maxEvents)

	if len(s.kernelFDs) > 0 {
		k, err := s.ensureKernel()
		if err != nil {
			return nil, err
		}
		kernelTimeout := time.Duration(0)
		if len(tokens) == 0 {
			kernelTimeout = waitTimeout
		}
		kernelEvents, err := k.Wait(kernelTimeout)
		if err != nil {
			return nil, err
		}
		for _, ke := range kernelEvents {
			if len(out) >= maxEvents {
				break
			}
			userData, ok := s.kernelFDs[ke.FD]
			if !ok {
				continue
			}
			out = append(out, Event{UserData: userData, Events: ke.Events})
		}
	}

	for len(out) < maxEvents {
		el := s.readyList.Front()
		if el == nil {
			break
		}
		it := el.Value.(*item)
		s.unlinkReady(it.qd)

		avail := s.availableEvents(it)
		if avail == 0 {
			continue
		}
		out = append(out, Event{UserData: it.userData, Events: avail})
	}

	return out, nil
}
