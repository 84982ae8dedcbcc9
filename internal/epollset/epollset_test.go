package epollset

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/vireo-systems/kbshim/internal/backend"
	"github.com/vireo-systems/kbshim/internal/backend/simulated"
	"github.com/vireo-systems/kbshim/internal/socket"
)

const (
	in  = uint32(unix.EPOLLIN)
	out = uint32(unix.EPOLLOUT)
)

func newListenerSocket(t *testing.T) (*simulated.Backend, *socket.Socket) {
	t.Helper()
	b := simulated.New()
	require.NoError(t, b.Init(nil))
	qd, err := b.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	s := socket.New(b, qd)
	require.NoError(t, s.Listen(4))
	return b, s
}

func waitForEvents(t *testing.T, set *Set, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := set.Wait(context.Background(), 8, 20*time.Millisecond)
		require.NoError(t, err)
		if len(events) >= n {
			return events
		}
	}
	t.Fatal("timed out waiting for readiness events")
	return nil
}

// TestEchoOnceThroughSet mirrors the "echo once" scenario end to end
// through the readiness engine: listen, connect, observe EPOLLIN on the
// listener, accept, observe EPOLLIN on the accepted socket, read.
func TestEchoOnceThroughSet(t *testing.T) {
	b, listener := newListenerSocket(t)

	set := New(b, nil)
	require.NoError(t, set.AddSocket(listener, in, 100))

	addr, err := b.Addr(listener.QDesc())
	require.NoError(t, err)
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)

	events := waitForEvents(t, set, 1)
	require.Equal(t, uint64(100), events[0].UserData)
	require.NotZero(t, events[0].Events&in)

	accepted, err := listener.Accept()
	require.NoError(t, err)
	accSocket := socket.New(b, accepted.NewQD)
	require.NoError(t, set.AddSocket(accSocket, in, 200))

	events = waitForEvents(t, set, 1)
	require.Equal(t, uint64(200), events[0].UserData)

	buf := make([]byte, 2)
	n, err := accSocket.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}

// TestLevelTriggeredResidue exercises a single backend pop yielding 10
// bytes; the caller reads 3 and returns to Wait, which must report EPOLLIN
// again without any new backend activity.
func TestLevelTriggeredResidue(t *testing.T) {
	b, listener := newListenerSocket(t)
	set := New(b, nil)
	require.NoError(t, set.AddSocket(listener, in, 1))

	addr, err := b.Addr(listener.QDesc())
	require.NoError(t, err)
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("0123456789"))
	require.NoError(t, err)

	waitForEvents(t, set, 1)
	accepted, err := listener.Accept()
	require.NoError(t, err)
	accSocket := socket.New(b, accepted.NewQD)
	require.NoError(t, set.AddSocket(accSocket, in, 2))

	waitForEvents(t, set, 1)

	buf := make([]byte, 3)
	n, err := accSocket.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	events := waitForEvents(t, set, 1)
	require.Equal(t, uint64(2), events[0].UserData)
	require.NotZero(t, events[0].Events&in)
}

// TestWriteThenWaitEventuallyReportsEpollout exercises write-then-wait: a
// push submitted via Write is only reported as EPOLLOUT through the set
// once the backend completion has actually been harvested, never before.
func TestWriteThenWaitEventuallyReportsEpollout(t *testing.T) {
	b, listener := newListenerSocket(t)

	addr, err := b.Addr(listener.QDesc())
	require.NoError(t, err)
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	set := New(b, nil)
	require.NoError(t, set.AddSocket(listener, in, 1))
	waitForEvents(t, set, 1)

	accepted, err := listener.Accept()
	require.NoError(t, err)
	accSocket := socket.New(b, accepted.NewQD)
	require.NoError(t, set.AddSocket(accSocket, out, 2))

	require.True(t, accSocket.CanWrite())
	_, err = accSocket.Write([]byte("abc"))
	require.NoError(t, err)
	require.False(t, accSocket.CanWrite())

	readBuf := make([]byte, 3)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = conn.Read(readBuf)
	require.NoError(t, err)

	events := waitForEvents(t, set, 1)
	require.Equal(t, uint64(2), events[0].UserData)
	require.NotZero(t, events[0].Events&out)
	require.True(t, accSocket.CanWrite())
}
