// README: Redis pub/sub bus; every process subscribes to one channel and feeds its own hub.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultRedisChannel = "siren:fanout"

type RedisBus struct {
	redis    *redis.Client
	channel  string
	hub      *Hub
	log      *zap.Logger
	inflight inflight
	pubsub   *redis.PubSub
	stopped  chan struct{}
}

func NewRedisBus(rdb *redis.Client, channel string, hub *Hub, log *zap.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBus{redis: rdb, channel: channel, hub: hub, log: log, stopped: make(chan struct{})}
}

func (b *RedisBus) Start(ctx context.Context) error {
	ps := b.redis.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.pubsub = ps
	go b.consume(ps.Channel())
	return nil
}

func (b *RedisBus) consume(msgs <-chan *redis.Message) {
	defer close(b.stopped)
	for msg := range msgs {
		var f Frame
		if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
			b.log.Warn("redis bus: malformed frame", zap.Error(err))
			continue
		}
		b.hub.Deliver(f)
	}
}

func (b *RedisBus) Publish(ctx context.Context, f Frame) error {
	if !b.inflight.begin() {
		return ErrBusClosed
	}
	defer b.inflight.done()

	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Close(ctx context.Context) error {
	drainErr := b.inflight.drain(ctx)
	if b.pubsub == nil {
		return drainErr
	}
	if err := b.pubsub.Close(); err != nil {
		return err
	}
	select {
	case <-b.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return drainErr
}
