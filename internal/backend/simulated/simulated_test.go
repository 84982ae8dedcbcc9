package simulated

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vireo-systems/kbshim/internal/backend"
)

func TestAcceptPushPopRoundTrip(t *testing.T) {
	b := New()
	require.NoError(t, b.Init(nil))

	lqd, err := b.Socket(0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, b.Listen(lqd, 1))

	addr, err := b.Addr(lqd)
	require.NoError(t, err)

	acceptTok, err := b.Accept(lqd)
	require.NoError(t, err)

	clientConn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer clientConn.Close()

	ctx := context.Background()
	completion, err := b.Wait(ctx, acceptTok, time.Second)
	require.NoError(t, err)
	require.Equal(t, backend.OpAccept, completion.Opcode)
	serverQD := completion.Accept.NewQD

	_, err = clientConn.Write([]byte("hi"))
	require.NoError(t, err)

	popTok, err := b.Pop(serverQD)
	require.NoError(t, err)
	completion, err = b.Wait(ctx, popTok, time.Second)
	require.NoError(t, err)
	require.Equal(t, backend.OpPop, completion.Opcode)
	require.Equal(t, 2, completion.SGA.Len())

	sgaOut, err := b.SGAAlloc(2)
	require.NoError(t, err)
	copy(sgaOut.Segments[0].Data, []byte("hi"))
	pushTok, err := b.Push(serverQD, sgaOut)
	require.NoError(t, err)
	completion, err = b.Wait(ctx, pushTok, time.Second)
	require.NoError(t, err)
	require.Equal(t, backend.OpPush, completion.Opcode)

	echoBuf := make([]byte, 2)
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = clientConn.Read(echoBuf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(echoBuf))

	require.NoError(t, b.Close(serverQD))
	require.NoError(t, b.Close(lqd))
}

func TestWaitTimesOutWithoutCompletion(t *testing.T) {
	b := New()
	require.NoError(t, b.Init(nil))

	qd, err := b.Socket(0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, b.Listen(qd, 1))

	tok, err := b.Accept(qd)
	require.NoError(t, err)

	_, err = b.Wait(context.Background(), tok, 20*time.Millisecond)
	require.ErrorIs(t, err, backend.ErrTimedOut)
}

func TestWaitAnyReportsCompletedIndex(t *testing.T) {
	b := New()
	require.NoError(t, b.Init(nil))

	lqd, err := b.Socket(0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, b.Listen(lqd, 1))
	addr, err := b.Addr(lqd)
	require.NoError(t, err)

	idleQD, err := b.Socket(0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, b.Listen(idleQD, 1))

	idleTok, err := b.Accept(idleQD)
	require.NoError(t, err)
	acceptTok, err := b.Accept(lqd)
	require.NoError(t, err)

	clientConn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer clientConn.Close()

	completion, idx, err := b.WaitAny(context.Background(), []backend.Token{idleTok, acceptTok}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	require.Equal(t, backend.OpAccept, completion.Opcode)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	require.NoError(t, b.Init(nil))

	qd, err := b.Socket(0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, b.Listen(qd, 1))
	require.NoError(t, b.Close(qd))
	require.NoError(t, b.Close(qd))
}
