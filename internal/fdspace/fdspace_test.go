package fdspace

import "testing"

func TestClassifyDisjoint(t *testing.T) {
	cases := []struct {
		fd   Descriptor
		want Class
	}{
		{0, ClassKernel},
		{3, ClassKernel},
		{EpollBase - 1, ClassKernel},
		{EpollBase, ClassEpoll},
		{SocketBase - 1, ClassEpoll},
		{SocketBase, ClassSocket},
		{SocketBase + 1000, ClassSocket},
	}
	for _, c := range cases {
		if got := Classify(c.fd); got != c.want {
			t.Errorf("Classify(%d) = %s, want %s", c.fd, got, c.want)
		}
	}
}

func TestHandleIndexRoundTrip(t *testing.T) {
	for idx := 0; idx < 10; idx++ {
		eh := EpollHandle(idx)
		if Classify(eh) != ClassEpoll {
			t.Fatalf("EpollHandle(%d) = %d not classified as epoll", idx, eh)
		}
		if got := EpollIndex(eh); got != idx {
			t.Errorf("EpollIndex(EpollHandle(%d)) = %d", idx, got)
		}

		sh := SocketHandle(idx)
		if Classify(sh) != ClassSocket {
			t.Fatalf("SocketHandle(%d) = %d not classified as socket", idx, sh)
		}
		if got := SocketIndex(sh); got != idx {
			t.Errorf("SocketIndex(SocketHandle(%d)) = %d", idx, got)
		}
	}
}
