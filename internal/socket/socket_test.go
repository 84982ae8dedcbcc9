package socket

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/vireo-systems/kbshim/internal/backend"
	"github.com/vireo-systems/kbshim/internal/backend/simulated"
)

func newListener(t *testing.T) (*simulated.Backend, *Socket) {
	t.Helper()
	b := simulated.New()
	require.NoError(t, b.Init(nil))
	qd, err := b.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	s := New(b, qd)
	require.NoError(t, s.Listen(4))
	require.True(t, s.IsAccepting())
	return b, s
}

func dial(t *testing.T, b *simulated.Backend, listenQD backend.QDesc) net.Conn {
	t.Helper()
	addr, err := b.Addr(listenQD)
	require.NoError(t, err)
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	return conn
}

func waitUntilReady(t *testing.T, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := fn(); err != unix.EWOULDBLOCK {
			require.NoError(t, err)
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for readiness")
}

// TestEchoOnce exercises the "echo once" scenario: accept a connection,
// read what the peer sent, write it back.
func TestEchoOnce(t *testing.T) {
	b, listener := newListener(t)
	conn := dial(t, b, listener.QDesc())
	defer conn.Close()

	_, err := conn.Write([]byte("hi"))
	require.NoError(t, err)

	var accepted backend.AcceptResult
	waitUntilReady(t, func() error {
		var err error
		accepted, err = listener.Accept()
		return err
	})

	accSocket := New(b, accepted.NewQD)

	buf := make([]byte, 2)
	var n int
	waitUntilReady(t, func() error {
		var err error
		n, err = accSocket.Read(buf)
		return err
	})
	require.Equal(t, "hi", string(buf[:n]))
}

// TestShortReadSplitsAcrossCalls exercises a 10-byte backing SGA served
// across reads of 4, 4, then 2 bytes.
func TestShortReadSplitsAcrossCalls(t *testing.T) {
	b, listener := newListener(t)
	conn := dial(t, b, listener.QDesc())
	defer conn.Close()

	_, err := conn.Write([]byte("0123456789"))
	require.NoError(t, err)

	var accepted backend.AcceptResult
	waitUntilReady(t, func() error {
		var err error
		accepted, err = listener.Accept()
		return err
	})
	accSocket := New(b, accepted.NewQD)

	buf := make([]byte, 4)
	var n int
	waitUntilReady(t, func() error {
		var err error
		n, err = accSocket.Read(buf)
		return err
	})
	require.Equal(t, "0123", string(buf[:n]))
	require.True(t, accSocket.CanRead())

	n, err = accSocket.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "4567", string(buf[:n]))
	require.True(t, accSocket.CanRead())

	n, err = accSocket.Read(buf[:2])
	require.NoError(t, err)
	require.Equal(t, "89", string(buf[:n]))
	require.False(t, accSocket.CanRead())

	_, err = accSocket.Read(buf)
	require.Equal(t, unix.EWOULDBLOCK, err)
}

// TestWriteThenWaitReportsCanWriteOnlyAfterCompletion exercises
// write-then-wait: CanWrite is false while a push is in flight, true again
// once it completes.
func TestWriteThenWaitReportsCanWriteOnlyAfterCompletion(t *testing.T) {
	b, listener := newListener(t)
	conn := dial(t, b, listener.QDesc())
	defer conn.Close()

	var accepted backend.AcceptResult
	waitUntilReady(t, func() error {
		var err error
		accepted, err = listener.Accept()
		return err
	})
	accSocket := New(b, accepted.NewQD)

	n, err := accSocket.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.False(t, accSocket.CanWrite())

	readBuf := make([]byte, 3)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = conn.Read(readBuf)
	require.NoError(t, err)
	require.Equal(t, "abc", string(readBuf))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !accSocket.CanWrite() {
		tok, pending := accSocket.PendingSendToken()
		require.True(t, pending)
		c, err := b.Wait(context.Background(), tok, 20*time.Millisecond)
		if err == backend.ErrTimedOut {
			continue
		}
		require.NoError(t, err)
		require.NoError(t, accSocket.ApplySendCompletion(c))
	}
	require.True(t, accSocket.CanWrite())
}

// TestAcceptEarlyData exercises the case where the accept completion's
// peer has already pushed data before the first read.
func TestAcceptEarlyData(t *testing.T) {
	b, listener := newListener(t)
	conn := dial(t, b, listener.QDesc())
	defer conn.Close()
	_, err := conn.Write([]byte("early"))
	require.NoError(t, err)

	var accepted backend.AcceptResult
	waitUntilReady(t, func() error {
		var err error
		accepted, err = listener.Accept()
		return err
	})
	accSocket := New(b, accepted.NewQD)

	buf := make([]byte, 5)
	var n int
	waitUntilReady(t, func() error {
		var err error
		n, err = accSocket.Read(buf)
		return err
	})
	require.Equal(t, "early", string(buf[:n]))
}

func TestCloseDrainsPendingSend(t *testing.T) {
	b, listener := newListener(t)
	conn := dial(t, b, listener.QDesc())
	defer conn.Close()

	var accepted backend.AcceptResult
	waitUntilReady(t, func() error {
		var err error
		accepted, err = listener.Accept()
		return err
	})
	accSocket := New(b, accepted.NewQD)

	_, err := accSocket.Write([]byte("bye"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- accSocket.Close(context.Background()) }()

	readBuf := make([]byte, 3)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = conn.Read(readBuf)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return after pending send drained")
	}
	require.False(t, accSocket.IsOpen())
}
