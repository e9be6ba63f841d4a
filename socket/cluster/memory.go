package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/kleeedolinux/socketroom/socket"
)

var ErrAdapterClosed = errors.New("adapter closed")

// Bus connects in-process adapters, for single-binary clusters and tests.
// Packets are delivered synchronously on the publisher's goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[*MemoryAdapter]func(socket.Packet)
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[*MemoryAdapter]func(socket.Packet))}
}

func (b *Bus) Adapter() *MemoryAdapter {
	return &MemoryAdapter{bus: b}
}

type MemoryAdapter struct {
	bus *Bus

	mu     sync.Mutex
	closed bool
}

func (a *MemoryAdapter) Publish(ctx context.Context, p socket.Packet) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrAdapterClosed
	}

	// Round-trip through JSON so subscribers never share memory with the
	// publisher, as with a real broker.
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	a.bus.mu.RLock()
	handlers := make([]func(socket.Packet), 0, len(a.bus.handlers))
	for _, h := range a.bus.handlers {
		handlers = append(handlers, h)
	}
	a.bus.mu.RUnlock()

	for _, h := range handlers {
		var pkt socket.Packet
		if err := json.Unmarshal(data, &pkt); err != nil {
			return err
		}
		h(pkt)
	}
	return nil
}

func (a *MemoryAdapter) Subscribe(ctx context.Context, handler func(socket.Packet)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAdapterClosed
	}

	a.bus.mu.Lock()
	a.bus.handlers[a] = handler
	a.bus.mu.Unlock()
	return nil
}

func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	a.bus.mu.Lock()
	delete(a.bus.handlers, a)
	a.bus.mu.Unlock()
	return nil
}
