package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus layers Redis Pub/Sub over a local Bus so events published by
// one coordinator instance reach subscribers on the others. Local
// delivery still happens directly; the Redis leg only carries the
// cross-instance copies.
type RedisBus struct {
	local    *Bus
	rdb      *redis.Client
	prefix   string
	instance string
	cancel   context.CancelFunc
}

// NewRedisBus connects to Redis and starts the relay goroutine. The
// channel prefix defaults to "swarm:events:".
func NewRedisBus(local *Bus, addr, password, prefix string) (*RedisBus, error) {
	if prefix == "" {
		prefix = "swarm:events:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	bus := &RedisBus{local: local, rdb: rdb, prefix: prefix, instance: uuid.New().String(), cancel: stop}
	go bus.relay(runCtx)
	slog.Info("redis event bus connected", "addr", addr, "prefix", prefix)
	return bus, nil
}

// Emit publishes locally and mirrors the event to Redis. A Redis
// failure degrades to local-only delivery.
func (b *RedisBus) Emit(eventType, subject string, data map[string]any) {
	event := NewEvent(eventType, subject, data)
	event.Origin = b.instance
	b.local.Publish(event)

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.prefix+eventType, payload).Err(); err != nil {
		slog.Warn("redis publish failed, event stayed local", "type", eventType, "error", err)
	}
}

// relay forwards events from other instances into the local bus.
func (b *RedisBus) relay(ctx context.Context) {
	sub := b.rdb.PSubscribe(ctx, b.prefix+"*")
	defer sub.Close()
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("redis subscribe receive failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			slog.Warn("dropping malformed cross-instance event", "error", err)
			continue
		}
		if event.Origin == b.instance {
			continue
		}
		b.local.Publish(&event)
	}
}

// Close stops the relay and the Redis client.
func (b *RedisBus) Close() error {
	b.cancel()
	return b.rdb.Close()
}
