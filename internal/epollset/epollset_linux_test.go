//go:build linux

package epollset

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestMixedKernelAndBypassReadiness registers one bypass socket and one
// kernel pipe in the same set; data arrives on both, and Wait must report
// both events in one call.
func TestMixedKernelAndBypassReadiness(t *testing.T) {
	b, listener := newListenerSocket(t)
	set := New(b, nil)
	require.NoError(t, set.AddSocket(listener, in, 1))

	r, w, err := unix.Pipe2(unix.O_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(r)
	defer unix.Close(w)
	require.NoError(t, set.AddKernelFD(r, in, 99))

	addr, err := b.Addr(listener.QDesc())
	require.NoError(t, err)
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	var events []Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(events) < 2 {
		more, err := set.Wait(context.Background(), 8, 20*time.Millisecond)
		require.NoError(t, err)
		events = append(events, more...)
	}
	require.Len(t, events, 2)

	seen := map[uint64]bool{}
	for _, ev := range events {
		seen[ev.UserData] = true
	}
	require.True(t, seen[1])
	require.True(t, seen[99])
}
