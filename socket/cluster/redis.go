// Package cluster provides socket.Adapter implementations that let several
// server nodes share namespaces, rooms and broadcasts.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/kleeedolinux/socketroom/socket"
)

// RedisAdapter relays packets over a Redis pub/sub channel. The client is
// owned by the caller.
type RedisAdapter struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisAdapter(client *redis.Client, channel string, opts ...Option) *RedisAdapter {
	o := buildOptions(opts)
	return &RedisAdapter{client: client, channel: channel, logger: o.logger}
}

func (a *RedisAdapter) Publish(ctx context.Context, p socket.Packet) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal packet: %w", err)
	}
	if err := a.client.Publish(ctx, a.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", a.channel, err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by Redis. Packets are
// handled on a single goroutine in arrival order.
func (a *RedisAdapter) Subscribe(ctx context.Context, handler func(socket.Packet)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pubsub != nil {
		return fmt.Errorf("already subscribed to %s", a.channel)
	}

	ps := a.client.Subscribe(ctx, a.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", a.channel, err)
	}

	a.pubsub = ps
	a.done = make(chan struct{})
	go a.receive(ps.Channel(), handler, a.done)

	a.logger.Info("redis adapter subscribed", "channel", a.channel)
	return nil
}

func (a *RedisAdapter) receive(ch <-chan *redis.Message, handler func(socket.Packet), done chan struct{}) {
	defer close(done)
	for msg := range ch {
		var p socket.Packet
		if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
			a.logger.Warn("dropping malformed packet", "channel", a.channel, "error", err)
			continue
		}
		handler(p)
	}
}

func (a *RedisAdapter) Close() error {
	a.mu.Lock()
	ps, done := a.pubsub, a.done
	a.pubsub = nil
	a.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
