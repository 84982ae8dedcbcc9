package kbshim

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/vireo-systems/kbshim/internal/backend/simulated"
)

func newTestShim(t *testing.T) (*Shim, *simulated.Backend) {
	t.Helper()
	b := simulated.New()
	s, err := New(b, nil, nil)
	require.NoError(t, err)
	return s, b
}

func waitForEvent(t *testing.T, s *Shim, epfd Descriptor) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := s.EpollWait(context.Background(), epfd, 8, 20*time.Millisecond)
		require.NoError(t, err)
		if len(events) > 0 {
			return events
		}
	}
	t.Fatal("timed out waiting for an epoll event")
	return nil
}

// TestEchoOnceThroughPublicAPI exercises the full public surface for the
// "echo once" scenario: socket, bind (to an ephemeral loopback port),
// listen, epoll_ctl(ADD), epoll_wait, accept, epoll_ctl(ADD), epoll_wait,
// read.
func TestEchoOnceThroughPublicAPI(t *testing.T) {
	s, b := newTestShim(t)

	listenFD, err := s.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, s.Bind(listenFD, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}))
	require.NoError(t, s.Listen(listenFD, 1))

	sock, err := s.socketAt(listenFD)
	require.NoError(t, err)
	realAddr, err := b.Addr(sock.QDesc())
	require.NoError(t, err)
	sock.SetLocalAddr(realAddr)

	addr, err := s.GetSockName(listenFD)
	require.NoError(t, err)

	epfd, err := s.EpollCreate()
	require.NoError(t, err)
	require.NoError(t, s.EpollCtl(epfd, unix.EPOLL_CTL_ADD, listenFD, uint32(unix.EPOLLIN), 1))

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)

	events := waitForEvent(t, s, epfd)
	require.Equal(t, uint64(1), events[0].UserData)

	acceptedFD, _, err := s.Accept(listenFD)
	require.NoError(t, err)
	require.NoError(t, s.EpollCtl(epfd, unix.EPOLL_CTL_ADD, acceptedFD, uint32(unix.EPOLLIN), 2))

	events = waitForEvent(t, s, epfd)
	require.Equal(t, uint64(2), events[0].UserData)

	buf := make([]byte, 2)
	n, err := s.Read(acceptedFD, buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))

	require.NoError(t, s.Close(context.Background(), acceptedFD))

	// The last sweep left an accept in flight on the listener, and Close
	// blocks until it completes; a second connection completes it.
	conn2, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn2.Close()
	require.NoError(t, s.Close(context.Background(), listenFD))
	require.NoError(t, s.EpollClose(epfd))
}

func TestSocketRejectsNonBypassFamilies(t *testing.T) {
	s, _ := newTestShim(t)
	_, err := s.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestInitTwiceErrors(t *testing.T) {
	defaultMu.Lock()
	defaultShim = nil
	defaultMu.Unlock()

	require.NoError(t, Init(simulated.New(), nil, nil))
	err := Init(simulated.New(), nil, nil)
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	defaultMu.Lock()
	defaultShim = nil
	defaultMu.Unlock()
}
