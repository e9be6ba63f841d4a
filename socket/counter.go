package socket

import (
	"sync"
	"sync/atomic"
)

// Counter numbers dispatches per event name for the lifetime of the process.
type Counter struct {
	mu     sync.RWMutex
	counts map[Event]*atomic.Uint64
}

func NewCounter() *Counter {
	return &Counter{counts: make(map[Event]*atomic.Uint64)}
}

func (c *Counter) slot(event Event) *atomic.Uint64 {
	c.mu.RLock()
	n, exists := c.counts[event]
	c.mu.RUnlock()
	if exists {
		return n
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if n, exists = c.counts[event]; !exists {
		n = new(atomic.Uint64)
		c.counts[event] = n
	}
	return n
}

// Next increments the counter for event and returns the new value.
func (c *Counter) Next(event Event) uint64 {
	return c.slot(event).Add(1)
}

func (c *Counter) Load(event Event) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, exists := c.counts[event]; exists {
		return n.Load()
	}
	return 0
}

func (c *Counter) Snapshot() map[Event]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[Event]uint64, len(c.counts))
	for event, n := range c.counts {
		out[event] = n.Load()
	}
	return out
}
