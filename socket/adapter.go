package socket

import (
	"context"
	"encoding/json"
)

type PacketKind string

const (
	PacketEmit  PacketKind = "emit"
	PacketClose PacketKind = "close"
)

// Packet relays an emission or a room close to the other nodes of a cluster.
type Packet struct {
	Node      string          `json:"node"`
	Kind      PacketKind      `json:"kind"`
	Namespace string          `json:"namespace"`
	Event     Event           `json:"event,omitempty"`
	Count     uint64          `json:"count,omitempty"`
	Scope     Scope           `json:"scope"`
	Sender    string          `json:"sender,omitempty"`
	Room      string          `json:"room,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Adapter fans packets out between server nodes. Subscribe must deliver
// packets from a single publisher in publish order.
type Adapter interface {
	Publish(ctx context.Context, p Packet) error
	Subscribe(ctx context.Context, handler func(Packet)) error
	Close() error
}
