// Package client provides a reusable TCP load test client for the bypass
// shim's echo/sink server (cmd/shimserver). It dials a plain TCP connection
// — the shim has no bypass connect path, so every client-side connection
// originates from the host kernel and is accepted by the shim's listener —
// and tracks per-connection performance metrics.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency  time.Duration
	FirstMsgLatency time.Duration
	MessagesEchoed  int
	BytesSent       int
	Errors          int
}

// Client represents a single simulated connection to a shimserver instance.
// It owns one TCP connection, counts every message echoed back, and records
// the latency of the first one; callers time each Echo call themselves.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	metrics   Metrics
	done      chan struct{}
	closeOnce sync.Once
	firstMsg  time.Time
}

// New dials addr and returns a connected Client. The connection is
// established immediately; no handshake is required by the echo protocol.
func New(ctx context.Context, addr string) (*Client, error) {
	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn: conn,
		done: make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)
	return c, nil
}

// Echo writes payload and blocks until the full echo comes back. Only the
// first echo's latency is recorded (as FirstMsgLatency, measured from the
// start of the dial); later echoes only bump MessagesEchoed. It is not goroutine-safe against concurrent
// callers on the same Client — load test scenarios use one Client per
// simulated connection, driven from a single goroutine.
func (c *Client) Echo(payload []byte) error {
	start := time.Now()

	if err := c.conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if _, err := c.conn.Write(payload); err != nil {
		c.metrics.Errors++
		return fmt.Errorf("write: %w", err)
	}
	c.metrics.BytesSent += len(payload)

	buf := make([]byte, len(payload))
	if _, err := readFull(c.conn, buf); err != nil {
		c.metrics.Errors++
		return fmt.Errorf("read echo: %w", err)
	}

	if c.firstMsg.IsZero() {
		c.firstMsg = time.Now()
		c.metrics.FirstMsgLatency = c.metrics.ConnectLatency + c.firstMsg.Sub(start)
	}
	c.metrics.MessagesEchoed++
	return nil
}

// readFull reads exactly len(buf) bytes, looping over short reads the way a
// streaming TCP echo can legitimately produce them.
func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}
