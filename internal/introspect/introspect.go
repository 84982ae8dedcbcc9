// Package introspect publishes a periodic snapshot of the shim's inventory
// — socket/epoll counts, pending tokens by slot, oldest pending token age
// — to Redis for external tooling to inspect without attaching a debugger.
// Like telemetry, this is optional and fails open: a Redis outage degrades
// observability, never the shim's own operation.
package introspect

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for shim inventory snapshots.
	KeyPrefix = "kbshim:inventory:"

	// SnapshotTTL bounds how long a stale snapshot survives a crashed or
	// partitioned shim instance before Redis reclaims the key.
	SnapshotTTL = 1 * time.Minute
)

// Snapshot is one point-in-time view of shim inventory.
type Snapshot struct {
	Instance          string `redis:"instance"`
	OpenSockets       int    `redis:"open_sockets"`
	OpenEpollSets     int    `redis:"open_epoll_sets"`
	PendingAccept     int    `redis:"pending_accept"`
	PendingRecv       int    `redis:"pending_recv"`
	PendingSend       int    `redis:"pending_send"`
	OldestPendingAgeS int64  `redis:"oldest_pending_age_seconds"`
	TakenAt           int64  `redis:"taken_at"`
}

// Store publishes Snapshots to Redis.
type Store struct {
	client   *redis.Client
	instance string
}

// NewStore creates a Store connected to Redis at addr, verifying the
// connection with a bounded ping.
func NewStore(redisAddr, instance string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("introspect: redis connection failed: %w", err)
	}

	return &Store{client: client, instance: instance}, nil
}

// Publish writes snap to Redis under this instance's key, refreshing its
// TTL in the same pipeline.
func (s *Store) Publish(ctx context.Context, snap Snapshot) error {
	snap.Instance = s.instance
	key := KeyPrefix + s.instance

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, snap)
	pipe.Expire(ctx, key, SnapshotTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves the most recently published snapshot for instance. Returns
// nil if none is present (never published, or its TTL expired).
func (s *Store) Get(ctx context.Context, instance string) (*Snapshot, error) {
	key := KeyPrefix + instance
	var snap Snapshot
	if err := s.client.HGetAll(ctx, key).Scan(&snap); err != nil {
		return nil, err
	}
	if snap.Instance == "" {
		return nil, nil
	}
	return &snap, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// RunPeriodic publishes collect()'s result every interval until ctx is
// cancelled. Publish errors are swallowed (fail open); the caller gets no
// signal beyond the snapshot simply going stale in Redis.
func (s *Store) RunPeriodic(ctx context.Context, interval time.Duration, collect func() Snapshot) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Publish(ctx, collect())
		}
	}
}
