// Package backend defines the narrow contract the translation engine
// consumes from the underlying kernel-bypass I/O library. The backend
// itself — socket creation, token completion, scatter-gather allocation —
// is an external collaborator; this package only describes the shape of
// that collaborator plus one reference implementation (backend/simulated)
// used by every test in this repo in lieu of linking a real kernel-bypass
// stack.
package backend

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/vireo-systems/kbshim/internal/sga"
)

// QDesc is the backend's own identifier for a backend socket, distinct from
// the public Descriptor this shim hands callers.
type QDesc int

// Opcode tags a completion result with the operation that produced it.
type Opcode int

const (
	OpAccept Opcode = iota
	OpPush
	OpPop
	OpFailed
)

func (o Opcode) String() string {
	switch o {
	case OpAccept:
		return "accept"
	case OpPush:
		return "push"
	case OpPop:
		return "pop"
	case OpFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrBackendClosed is returned by backend operations submitted after Close.
var ErrBackendClosed = errors.New("backend: queue descriptor closed")

// AcceptResult is the payload of a completed accept: a new queue descriptor
// for the accepted connection plus its peer address.
type AcceptResult struct {
	NewQD QDesc
	Peer  net.Addr
}

// Completion is the tagged union of a finished backend operation, keyed by
// Opcode.
type Completion struct {
	QD     QDesc
	Opcode Opcode
	Err    error // non-nil iff Opcode == OpFailed

	// Populated for OpPop.
	SGA *sga.SGA
	// Populated for OpAccept.
	Accept AcceptResult
}

// Provider is the backend contract consumed by the translation engine.
// Every submission operation (Accept, Push, Pop) returns a Token immediately
// and completes later, observed via Wait or WaitAny.
type Provider interface {
	// Init performs process-wide one-shot initialization. Called exactly
	// once before any other Provider method.
	Init(args map[string]string) error

	Socket(family, typ, proto int) (QDesc, error)
	Bind(qd QDesc, addr *net.TCPAddr) error
	Listen(qd QDesc, backlog int) error

	// Accept submits an accept on a listening qd.
	Accept(qd QDesc) (Token, error)
	// Push submits a send of sga's contents on qd.
	Push(qd QDesc, sga *sga.SGA) (Token, error)
	// Pop submits a receive on qd.
	Pop(qd QDesc) (Token, error)

	// Wait blocks at most timeout for tok. A zero timeout performs a pure
	// poll; a negative timeout blocks indefinitely.
	Wait(ctx context.Context, tok Token, timeout time.Duration) (Completion, error)
	// WaitAny blocks at most timeout for any of toks and reports which
	// index completed.
	WaitAny(ctx context.Context, toks []Token, timeout time.Duration) (Completion, int, error)

	SGAAlloc(size int) (*sga.SGA, error)
	SGAFree(s *sga.SGA)

	Close(qd QDesc) error
}

// ErrTimedOut is returned by Wait/WaitAny when the deadline elapses before
// any completion arrives.
var ErrTimedOut = errors.New("backend: wait timed out")
