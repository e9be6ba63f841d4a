package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kleeedolinux/socketroom/socket"
)

const flushTimeout = 5 * time.Second

// NATSAdapter relays packets over a core NATS subject. The connection is
// owned by the caller.
type NATSAdapter struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNATSAdapter(nc *nats.Conn, subject string, opts ...Option) *NATSAdapter {
	o := buildOptions(opts)
	return &NATSAdapter{nc: nc, subject: subject, logger: o.logger}
}

func (a *NATSAdapter) Publish(ctx context.Context, p socket.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal packet: %w", err)
	}
	if err := a.nc.Publish(a.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", a.subject, err)
	}
	return nil
}

// Subscribe returns once the server has registered the subscription.
func (a *NATSAdapter) Subscribe(ctx context.Context, handler func(socket.Packet)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub != nil {
		return fmt.Errorf("already subscribed to %s", a.subject)
	}

	sub, err := a.nc.Subscribe(a.subject, func(msg *nats.Msg) {
		var p socket.Packet
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			a.logger.Warn("dropping malformed packet", "subject", a.subject, "error", err)
			return
		}
		handler(p)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", a.subject, err)
	}
	flushCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := a.nc.FlushWithContext(flushCtx); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("failed to flush subscription: %w", err)
	}

	a.sub = sub
	a.logger.Info("nats adapter subscribed", "subject", a.subject)
	return nil
}

func (a *NATSAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub == nil {
		return nil
	}
	err := a.sub.Unsubscribe()
	a.sub = nil
	return err
}
