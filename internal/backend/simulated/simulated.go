// Package simulated is a reference backend.Provider used by every test and
// example in this repo in lieu of linking a real kernel-bypass I/O library.
// It is "simulated" only in the sense that accept/push/pop run against real
// host TCP sockets (net.Listener / net.Conn) on a per-operation goroutine —
// the blocking host call's completion is what arrives on the token's
// channel — so ordinary kernel-side clients (a plain net.Dial, or the
// `loadtest` driver) can connect to a bypass listener and exchange real
// bytes with it, exercising an echo-once round trip end to end.
package simulated

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vireo-systems/kbshim/internal/backend"
	"github.com/vireo-systems/kbshim/internal/sga"
)

type qentry struct {
	ln     net.Listener
	conn   net.Conn
	addr   *net.TCPAddr
	closed bool
}

// Backend is a backend.Provider backed by host TCP sockets.
type Backend struct {
	mu      sync.Mutex
	entries map[backend.QDesc]*qentry
	pending map[backend.Token]chan backend.Completion
	nextQD  int64
}

// New returns a ready Backend. Init still must be called once before use,
// per the Provider contract.
func New() *Backend {
	return &Backend{
		entries: make(map[backend.QDesc]*qentry),
		pending: make(map[backend.Token]chan backend.Completion),
	}
}

func (b *Backend) Init(args map[string]string) error { return nil }

func (b *Backend) get(qd backend.QDesc) (*qentry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[qd]
	if !ok || e.closed {
		return nil, backend.ErrBackendClosed
	}
	return e, nil
}

func (b *Backend) Socket(family, typ, proto int) (backend.QDesc, error) {
	qd := backend.QDesc(atomic.AddInt64(&b.nextQD, 1))
	b.mu.Lock()
	b.entries[qd] = &qentry{}
	b.mu.Unlock()
	return qd, nil
}

func (b *Backend) Bind(qd backend.QDesc, addr *net.TCPAddr) error {
	e, err := b.get(qd)
	if err != nil {
		return err
	}
	b.mu.Lock()
	e.addr = addr
	b.mu.Unlock()
	return nil
}

func (b *Backend) Listen(qd backend.QDesc, backlog int) error {
	e, err := b.get(qd)
	if err != nil {
		return err
	}

	addr := "127.0.0.1:0"
	if e.addr != nil {
		addr = e.addr.String()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("simulated: listen: %w", err)
	}

	b.mu.Lock()
	e.ln = ln
	e.addr = ln.Addr().(*net.TCPAddr)
	b.mu.Unlock()
	return nil
}

// Addr returns the bound/listening address for qd, for tests that need to
// dial the simulated listener from the kernel side.
func (b *Backend) Addr(qd backend.QDesc) (*net.TCPAddr, error) {
	e, err := b.get(qd)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.addr == nil {
		return nil, fmt.Errorf("simulated: qd %d unbound", qd)
	}
	return e.addr, nil
}

func (b *Backend) newPending() (backend.Token, chan backend.Completion) {
	tok := backend.NewToken()
	ch := make(chan backend.Completion, 1)
	b.mu.Lock()
	b.pending[tok] = ch
	b.mu.Unlock()
	return tok, ch
}

func (b *Backend) Accept(qd backend.QDesc) (backend.Token, error) {
	e, err := b.get(qd)
	if err != nil {
		return backend.Token{}, err
	}
	if e.ln == nil {
		return backend.Token{}, fmt.Errorf("simulated: qd %d is not listening", qd)
	}

	tok, ch := b.newPending()
	go func() {
		conn, err := e.ln.Accept()
		if err != nil {
			ch <- backend.Completion{QD: qd, Opcode: backend.OpFailed, Err: err}
			return
		}
		newQD := backend.QDesc(atomic.AddInt64(&b.nextQD, 1))
		b.mu.Lock()
		b.entries[newQD] = &qentry{conn: conn}
		b.mu.Unlock()
		ch <- backend.Completion{
			QD:     qd,
			Opcode: backend.OpAccept,
			Accept: backend.AcceptResult{NewQD: newQD, Peer: conn.RemoteAddr()},
		}
	}()
	return tok, nil
}

func (b *Backend) Push(qd backend.QDesc, s *sga.SGA) (backend.Token, error) {
	e, err := b.get(qd)
	if err != nil {
		return backend.Token{}, err
	}
	if e.conn == nil {
		return backend.Token{}, fmt.Errorf("simulated: qd %d has no connection", qd)
	}

	flat := make([]byte, 0, s.Len())
	for _, seg := range s.Segments {
		flat = append(flat, seg.Data...)
	}

	tok, ch := b.newPending()
	go func() {
		if _, err := e.conn.Write(flat); err != nil {
			ch <- backend.Completion{QD: qd, Opcode: backend.OpFailed, Err: err}
			return
		}
		ch <- backend.Completion{QD: qd, Opcode: backend.OpPush}
	}()
	return tok, nil
}

// popBufferSize bounds a single host read. The backend's real-world analog
// allocates an SGA sized to whatever arrived; 64KiB covers any realistic
// single read without an extra round trip to discover the size first.
const popBufferSize = 64 * 1024

func (b *Backend) Pop(qd backend.QDesc) (backend.Token, error) {
	e, err := b.get(qd)
	if err != nil {
		return backend.Token{}, err
	}
	if e.conn == nil {
		return backend.Token{}, fmt.Errorf("simulated: qd %d has no connection", qd)
	}

	tok, ch := b.newPending()
	go func() {
		buf := make([]byte, popBufferSize)
		n, err := e.conn.Read(buf)
		if err != nil {
			ch <- backend.Completion{QD: qd, Opcode: backend.OpFailed, Err: err}
			return
		}
		ch <- backend.Completion{
			QD:     qd,
			Opcode: backend.OpPop,
			SGA:    &sga.SGA{Segments: []sga.Segment{{Data: buf[:n]}}},
		}
	}()
	return tok, nil
}

func (b *Backend) Wait(ctx context.Context, tok backend.Token, timeout time.Duration) (backend.Completion, error) {
	b.mu.Lock()
	ch, ok := b.pending[tok]
	b.mu.Unlock()
	if !ok {
		return backend.Completion{}, fmt.Errorf("simulated: unknown token %s", tok)
	}

	var timeoutCh <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case c := <-ch:
		b.mu.Lock()
		delete(b.pending, tok)
		b.mu.Unlock()
		return c, nil
	case <-timeoutCh:
		return backend.Completion{}, backend.ErrTimedOut
	case <-ctx.Done():
		return backend.Completion{}, ctx.Err()
	}
}

func (b *Backend) WaitAny(ctx context.Context, toks []backend.Token, timeout time.Duration) (backend.Completion, int, error) {
	if len(toks) == 0 {
		return backend.Completion{}, -1, fmt.Errorf("simulated: WaitAny requires at least one token")
	}

	b.mu.Lock()
	chans := make([]chan backend.Completion, len(toks))
	for i, tok := range toks {
		ch, ok := b.pending[tok]
		if !ok {
			b.mu.Unlock()
			return backend.Completion{}, -1, fmt.Errorf("simulated: unknown token %s", tok)
		}
		chans[i] = ch
	}
	b.mu.Unlock()

	cases := make([]reflect.SelectCase, 0, len(chans)+2)
	for _, ch := range chans {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
	}

	timeoutIdx := -1
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutIdx = len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})
	}
	ctxIdx := len(cases)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, value, _ := reflect.Select(cases)
	switch chosen {
	case timeoutIdx:
		return backend.Completion{}, -1, backend.ErrTimedOut
	case ctxIdx:
		return backend.Completion{}, -1, ctx.Err()
	default:
		c := value.Interface().(backend.Completion)
		b.mu.Lock()
		delete(b.pending, toks[chosen])
		b.mu.Unlock()
		return c, chosen, nil
	}
}

func (b *Backend) SGAAlloc(size int) (*sga.SGA, error) {
	return sga.NewSGA(size), nil
}

func (b *Backend) SGAFree(s *sga.SGA) {
	// Host-backed segments are ordinary Go slices; nothing to release
	// beyond letting the garbage collector reclaim them.
}

func (b *Backend) Close(qd backend.QDesc) error {
	e, err := b.get(qd)
	if err != nil {
		return nil // already closed or unknown: a no-op
	}

	b.mu.Lock()
	e.closed = true
	b.mu.Unlock()

	var firstErr error
	if e.ln != nil {
		if err := e.ln.Close(); err != nil {
			firstErr = err
		}
	}
	if e.conn != nil {
		if err := e.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ backend.Provider = (*Backend)(nil)
