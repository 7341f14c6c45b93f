// Package presence publishes advisory worker liveness to Redis. The
// strategy selector reads the idle count when deciding whether fanning a
// refresh out is worth the coordination overhead. Ownership never lives
// here; claims stay in the metadata store.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "dt:worker:"
	ttl       = 90 * time.Second
)

// Tracker reports and queries worker presence.
type Tracker interface {
	// SetBusy flags this worker as executing a refresh or subtask.
	SetBusy(ctx context.Context, busy bool)
	// IdleWorkers counts workers currently registered and not busy.
	IdleWorkers(ctx context.Context) int
	Close() error
}

// RedisTracker is the Redis-backed implementation.
type RedisTracker struct {
	client   *redis.Client
	logger   *zap.Logger
	workerID string
	busy     bool
}

func NewRedis(addr, workerID string, logger *zap.Logger) *RedisTracker {
	return &RedisTracker{
		client:   redis.NewClient(&redis.Options{Addr: addr}),
		logger:   logger.With(zap.String("component", "presence")),
		workerID: workerID,
	}
}

// Announce refreshes this worker's presence key; call it on the heartbeat
// cadence.
func (t *RedisTracker) Announce(ctx context.Context) {
	state := "idle"
	if t.busy {
		state = "busy"
	}
	if err := t.client.Set(ctx, keyPrefix+t.workerID, state, ttl).Err(); err != nil {
		t.logger.Debug("presence announce failed", zap.Error(err))
	}
}

func (t *RedisTracker) SetBusy(ctx context.Context, busy bool) {
	t.busy = busy
	t.Announce(ctx)
}

func (t *RedisTracker) IdleWorkers(ctx context.Context) int {
	var cursor uint64
	idle := 0
	for {
		keys, next, err := t.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			t.logger.Debug("presence scan failed", zap.Error(err))
			return 0
		}
		for _, k := range keys {
			v, err := t.client.Get(ctx, k).Result()
			if err == nil && v == "idle" {
				idle++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return idle
}

func (t *RedisTracker) Close() error {
	_ = t.client.Del(context.Background(), keyPrefix+t.workerID).Err()
	return t.client.Close()
}

// StaticTracker assumes a fixed fleet size when Redis is not configured.
type StaticTracker struct {
	Fleet int
}

func (t *StaticTracker) SetBusy(context.Context, bool) {}

func (t *StaticTracker) IdleWorkers(context.Context) int { return t.Fleet }

func (t *StaticTracker) Close() error { return nil }

// New picks the Redis tracker when an address is configured, the static one
// otherwise.
func New(addr, workerID string, assumedFleet int, logger *zap.Logger) (Tracker, error) {
	if addr == "" {
		return &StaticTracker{Fleet: assumedFleet}, nil
	}
	t := NewRedis(addr, workerID, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return t, nil
}
