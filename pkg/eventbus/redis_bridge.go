package eventbus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBridge republishes every event onto a Redis pub/sub channel so
// out-of-process observers (e.g. pkg/notify or an external dashboard) can
// subscribe without importing the kernel itself. It is additive: the
// in-process Bus remains the execution's authoritative ordered log.
type RedisBridge struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBridge wires client to a Bus, publishing every event as JSON on
// channel (conventionally "maestro-hive:events:<execution_id>").
func NewRedisBridge(client *redis.Client, channel string, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, channel: channel, logger: logger}
}

// Attach subscribes to bus and forwards every event to Redis until ctx is
// cancelled. Forwarding failures are logged, not fatal: loss of the Redis
// bridge must never affect in-process scheduling.
func (r *RedisBridge) Attach(ctx context.Context, bus *Bus) {
	sub := bus.Subscribe()
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					r.logger.Warn("marshal event for redis bridge", zap.Error(err))
					continue
				}
				if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
					r.logger.Warn("publish event to redis", zap.Error(err))
				}
			}
		}
	}()
}
