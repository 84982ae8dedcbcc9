// Package telemetry publishes shim lifecycle events — socket opened/closed,
// epoll item evicted, fatal invariant tripped — to NATS on a best-effort
// basis. A Bus is optional: the engine must keep functioning even when NATS
// is unreachable, so every publish fails open (logs and continues) rather
// than propagating an error to the caller.
package telemetry

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects used for shim lifecycle events.
const (
	SubjectSocketOpened = "kbshim.socket.opened"
	SubjectSocketClosed = "kbshim.socket.closed"
	SubjectItemEvicted  = "kbshim.epoll.item_evicted"
	SubjectFatalTripped = "kbshim.fatal"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "kbshim",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Bus wraps a NATS connection used for best-effort lifecycle events.
type Bus struct {
	conn *nats.Conn
}

// New connects to NATS with the given config and returns a ready Bus. Bus
// publication is a "nice to have" — callers that can't tolerate the
// dependency should treat a connect failure as non-fatal and run with a nil
// *Bus, whose methods are all no-ops.
func New(config Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[telemetry] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[telemetry] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[telemetry] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: nats connect: %w", err)
	}
	return &Bus{conn: nc}, nil
}

func (b *Bus) publish(subject string, data []byte) {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		log.Printf("[telemetry] publish %s: %v (failing open)", subject, err)
	}
}

// SocketOpened reports a newly allocated bypass socket.
func (b *Bus) SocketOpened(handle int) {
	b.publish(SubjectSocketOpened, []byte(fmt.Sprintf(`{"handle":%d}`, handle)))
}

// SocketClosed reports a bypass socket's release.
func (b *Bus) SocketClosed(handle int) {
	b.publish(SubjectSocketClosed, []byte(fmt.Sprintf(`{"handle":%d}`, handle)))
}

// ItemEvicted reports an epoll item evicted on observed socket death.
func (b *Bus) ItemEvicted(epollHandle int, qd int) {
	b.publish(SubjectItemEvicted, []byte(fmt.Sprintf(`{"epoll":%d,"qd":%d}`, epollHandle, qd)))
}

// FatalTripped reports a fatal invariant violation just before the process
// aborts, best-effort — there is no guarantee this reaches NATS before the
// panic unwinds.
func (b *Bus) FatalTripped(reason string) {
	b.publish(SubjectFatalTripped, []byte(fmt.Sprintf(`{"reason":%q}`, reason)))
}

// Close drains the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		log.Printf("[telemetry] drain: %v", err)
	}
}
