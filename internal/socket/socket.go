// Package socket implements the per-socket tri-slot state machine: at most
// one in-flight accept, one in-flight receive, and one in-flight send
// against the token-based backend, plus the readiness predicates the
// engine sweeps on every wait.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/vireo-systems/kbshim/internal/backend"
	"github.com/vireo-systems/kbshim/internal/sga"
	"github.com/vireo-systems/kbshim/internal/telemetry"
)

// sentinelAccepting marks the recv/accept slot's offset when the socket is
// in accepting mode rather than connected mode. A socket is one or the
// other, never both.
const sentinelAccepting = -1

type recvSlot struct {
	token   backend.Token
	pending bool

	// Connected mode (offset != sentinelAccepting): sga is the buffered,
	// partially-consumed receive SGA, or nil if none is buffered.
	sga    *sga.SGA
	offset int

	// Accepting mode (offset == sentinelAccepting): hasAccept is true once
	// a completed, unconsumed accept result is installed.
	accept    backend.AcceptResult
	hasAccept bool
}

type sendSlot struct {
	token   backend.Token
	pending bool
	sga     *sga.SGA
}

// Socket is a single bypass socket: a backend queue descriptor plus its
// tri-slot state. open is an atomic.Bool rather than a plain bool so that
// it can be read safely from a goroutine other than the one that closes the
// socket, even though only the calling goroutine ever mutates socket state
// per the engine's single-threaded cooperative model.
type Socket struct {
	provider backend.Provider
	bus      *telemetry.Bus
	qd       backend.QDesc
	addr     *net.TCPAddr
	open     atomic.Bool

	recv recvSlot
	send sendSlot
}

// New wraps qd in connected mode (recv slot idle, offset 0).
func New(provider backend.Provider, qd backend.QDesc) *Socket {
	s := &Socket{provider: provider, qd: qd}
	s.open.Store(true)
	return s
}

// SetBus attaches the telemetry bus used to report fatal invariant
// violations. bus may be nil, in which case FatalTripped is a no-op. This is
// a setter rather than a New parameter so every existing call site and test
// that constructs a bus-less Socket keeps working unchanged.
func (s *Socket) SetBus(bus *telemetry.Bus) { s.bus = bus }

// QDesc returns the backend queue descriptor this socket owns.
func (s *Socket) QDesc() backend.QDesc { return s.qd }

// IsOpen reports whether Close has not yet been called.
func (s *Socket) IsOpen() bool { return s.open.Load() }

// IsAccepting reports whether this socket is in accepting mode (entered via
// a successful Listen), as opposed to connected mode.
func (s *Socket) IsAccepting() bool { return s.recv.offset == sentinelAccepting }

// Bind associates a local address with the socket.
func (s *Socket) Bind(addr *net.TCPAddr) error {
	if err := s.provider.Bind(s.qd, addr); err != nil {
		return err
	}
	s.addr = addr
	return nil
}

// Listen enters accepting mode.
func (s *Socket) Listen(backlog int) error {
	if err := s.provider.Listen(s.qd, backlog); err != nil {
		return err
	}
	s.recv.offset = sentinelAccepting
	return nil
}

// LocalAddr returns the bound address, or EINVAL if the socket is unbound.
func (s *Socket) LocalAddr() (*net.TCPAddr, error) {
	if s.addr == nil {
		return nil, unix.EINVAL
	}
	return s.addr, nil
}

// SetLocalAddr records an address resolved after the fact (e.g. an
// ephemeral port assigned by Listen on an unbound socket).
func (s *Socket) SetLocalAddr(addr *net.TCPAddr) { s.addr = addr }

// CanRead reports whether the recv slot holds a buffered, non-empty SGA.
func (s *Socket) CanRead() bool {
	return s.recv.offset != sentinelAccepting && s.recv.sga != nil
}

// CanWrite reports whether the send slot has no buffered SGA and no
// in-flight push.
func (s *Socket) CanWrite() bool {
	return s.send.sga == nil && !s.send.pending
}

// CanAccept reports whether the accept slot holds a completed, unconsumed
// accept result.
func (s *Socket) CanAccept() bool {
	return s.recv.offset == sentinelAccepting && s.recv.hasAccept
}

// PendingRecvToken returns the recv/accept slot's outstanding token, if any.
func (s *Socket) PendingRecvToken() (backend.Token, bool) {
	return s.recv.token, s.recv.pending
}

// PendingSendToken returns the send slot's outstanding token, if any.
func (s *Socket) PendingSendToken() (backend.Token, bool) {
	return s.send.token, s.send.pending
}

// fatal publishes a best-effort FatalTripped telemetry event and then panics
// with reason, per spec.md §7's "aborts with a diagnostic" — telemetry here
// is purely an observability add-on and never suppresses the abort.
func (s *Socket) fatal(reason string) {
	s.bus.FatalTripped(reason)
	panic(reason)
}

// guardSGA runs fn, reporting a FatalTripped event before re-panicking if fn
// panics. It exists because the sga package's CopyInto/CopyFrom panic on
// invariant violations but have no bus of their own to report through.
func (s *Socket) guardSGA(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.FatalTripped(fmt.Sprint(r))
			panic(r)
		}
	}()
	fn()
}

// EnsureRecvSubmitted schedules a pop (connected mode) or accept (accepting
// mode) if the recv/accept slot is currently idle — neither buffered nor
// pending — so the readiness engine's sweep can collect its token.
func (s *Socket) EnsureRecvSubmitted() error {
	if s.recv.pending {
		return nil
	}
	if s.recv.offset == sentinelAccepting {
		if s.recv.hasAccept {
			return nil
		}
		tok, err := s.provider.Accept(s.qd)
		if err != nil {
			return err
		}
		s.recv.token = tok
		s.recv.pending = true
		return nil
	}
	if s.recv.sga != nil {
		return nil
	}
	tok, err := s.provider.Pop(s.qd)
	if err != nil {
		return err
	}
	s.recv.token = tok
	s.recv.pending = true
	return nil
}

// ApplyRecvCompletion routes a harvested completion into the recv/accept
// slot. The opcode must agree with the slot's current mode (OpAccept in
// accepting mode, OpPop in connected mode) or be OpFailed; anything else is
// a fatal invariant violation, not a caller error.
func (s *Socket) ApplyRecvCompletion(c backend.Completion) error {
	if !s.recv.pending {
		s.fatal("socket: ApplyRecvCompletion with no pending recv/accept token")
	}
	s.recv.pending = false
	s.recv.token = backend.Token{}

	switch c.Opcode {
	case backend.OpFailed:
		return c.Err
	case backend.OpAccept:
		if s.recv.offset != sentinelAccepting {
			s.fatal("socket: accept completion delivered to a connected-mode socket")
		}
		s.recv.accept = c.Accept
		s.recv.hasAccept = true
		return nil
	case backend.OpPop:
		if s.recv.offset == sentinelAccepting {
			s.fatal("socket: pop completion delivered to an accepting-mode socket")
		}
		s.recv.sga = c.SGA
		s.recv.offset = 0
		return nil
	default:
		s.fatal(fmt.Sprintf("socket: unexpected opcode %s on recv/accept slot", c.Opcode))
		return nil
	}
}

// ApplySendCompletion routes a harvested completion into the send slot.
func (s *Socket) ApplySendCompletion(c backend.Completion) error {
	if !s.send.pending {
		s.fatal("socket: ApplySendCompletion with no pending send token")
	}
	s.send.pending = false
	s.send.token = backend.Token{}
	s.provider.SGAFree(s.send.sga)
	s.send.sga = nil

	switch c.Opcode {
	case backend.OpFailed:
		return c.Err
	case backend.OpPush:
		return nil
	default:
		s.fatal(fmt.Sprintf("socket: unexpected opcode %s on send slot", c.Opcode))
		return nil
	}
}

// probe performs a non-blocking (zero-timeout) wait on tok, translating a
// backend time-out into EWOULDBLOCK.
func (s *Socket) probe(tok backend.Token) (backend.Completion, error) {
	c, err := s.provider.Wait(context.Background(), tok, 0)
	if err != nil {
		if errors.Is(err, backend.ErrTimedOut) {
			return backend.Completion{}, unix.EWOULDBLOCK
		}
		return backend.Completion{}, err
	}
	return c, nil
}

// Read copies buffered bytes into buf, submitting or probing a pop as
// needed. It returns EWOULDBLOCK when no data is available yet.
func (s *Socket) Read(buf []byte) (int, error) {
	if !s.open.Load() {
		return 0, unix.EBADF
	}
	if s.recv.offset == sentinelAccepting {
		return 0, unix.ENOTCONN
	}

	if s.recv.sga == nil {
		if !s.recv.pending {
			if err := s.EnsureRecvSubmitted(); err != nil {
				return 0, err
			}
			return 0, unix.EWOULDBLOCK
		}
		c, err := s.probe(s.recv.token)
		if err != nil {
			return 0, err
		}
		if err := s.ApplyRecvCompletion(c); err != nil {
			return 0, err
		}
		if s.recv.sga == nil {
			return 0, unix.EWOULDBLOCK
		}
	}

	var n int
	var drained bool
	s.guardSGA(func() { n, drained = sga.CopyFrom(s.recv.sga, buf, &s.recv.offset) })
	if drained {
		s.provider.SGAFree(s.recv.sga)
		s.recv.sga = nil
		s.recv.offset = 0
	}
	return n, nil
}

// Write submits buf for sending, probing any in-flight push to completion
// first. It returns EWOULDBLOCK if a push is already in flight.
func (s *Socket) Write(buf []byte) (int, error) {
	if !s.open.Load() {
		return 0, unix.EBADF
	}

	if s.send.pending {
		c, err := s.probe(s.send.token)
		if err != nil {
			return 0, err
		}
		if err := s.ApplySendCompletion(c); err != nil {
			return 0, err
		}
	}
	if s.send.sga != nil {
		s.fatal("socket: buffered send SGA without a pending token")
	}

	out, err := s.provider.SGAAlloc(len(buf))
	if err != nil {
		return 0, err
	}
	var n int
	s.guardSGA(func() { n = sga.CopyInto(out, buf) })
	tok, err := s.provider.Push(s.qd, out)
	if err != nil {
		s.provider.SGAFree(out)
		return 0, err
	}
	s.send.sga = out
	s.send.token = tok
	s.send.pending = true
	return n, nil
}

// Accept yields a completed accept result, submitting or probing the accept
// slot as needed.
func (s *Socket) Accept() (backend.AcceptResult, error) {
	if !s.open.Load() {
		return backend.AcceptResult{}, unix.EBADF
	}
	if s.recv.offset != sentinelAccepting {
		return backend.AcceptResult{}, unix.EINVAL
	}

	if !s.recv.hasAccept {
		if !s.recv.pending {
			if err := s.EnsureRecvSubmitted(); err != nil {
				return backend.AcceptResult{}, err
			}
			return backend.AcceptResult{}, unix.EWOULDBLOCK
		}
		c, err := s.probe(s.recv.token)
		if err != nil {
			return backend.AcceptResult{}, err
		}
		if err := s.ApplyRecvCompletion(c); err != nil {
			return backend.AcceptResult{}, err
		}
		if !s.recv.hasAccept {
			return backend.AcceptResult{}, unix.EWOULDBLOCK
		}
	}

	result := s.recv.accept
	s.recv.hasAccept = false
	s.recv.accept = backend.AcceptResult{}
	return result, nil
}

// Close marks the socket not-open, blocks until any pending tokens drain,
// frees buffered SGAs, and releases the backend descriptor. Close is
// idempotent.
func (s *Socket) Close(ctx context.Context) error {
	if !s.open.Load() {
		return nil
	}
	s.open.Store(false)

	if s.recv.pending {
		if c, err := s.provider.Wait(ctx, s.recv.token, -1); err == nil {
			_ = s.ApplyRecvCompletion(c)
		}
	}
	if s.send.pending {
		if c, err := s.provider.Wait(ctx, s.send.token, -1); err == nil {
			_ = s.ApplySendCompletion(c)
		}
	}
	if s.recv.sga != nil {
		s.provider.SGAFree(s.recv.sga)
		s.recv.sga = nil
	}
	if s.send.sga != nil {
		s.provider.SGAFree(s.send.sga)
		s.send.sga = nil
	}
	return s.provider.Close(s.qd)
}
