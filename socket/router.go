package socket

import (
	"encoding/json"
	"fmt"
)

type ScopeKind string

const (
	ScopeDirect    ScopeKind = "direct"
	ScopeBroadcast ScopeKind = "broadcast"
	ScopeRoom      ScopeKind = "room"
)

// Scope selects the recipients of an emission.
type Scope struct {
	Kind          ScopeKind `json:"kind"`
	Targets       []string  `json:"targets,omitempty"`
	Room          string    `json:"room,omitempty"`
	ExcludeSender bool      `json:"exclude_sender,omitempty"`
}

// Direct addresses the given session ids. With no ids it addresses the
// sender.
func Direct(ids ...string) Scope {
	return Scope{Kind: ScopeDirect, Targets: ids}
}

// Broadcast addresses every session of the namespace.
func Broadcast(excludeSender bool) Scope {
	return Scope{Kind: ScopeBroadcast, ExcludeSender: excludeSender}
}

func ToRoom(name string) Scope {
	return Scope{Kind: ScopeRoom, Room: name}
}

// Emission is one outbound message produced by a handler.
type Emission struct {
	Event Event
	Data  interface{}
	Scope Scope
}

// Reply is an emission addressed back to the sender.
func Reply(event Event, data interface{}) Emission {
	return Emission{Event: event, Data: data, Scope: Direct()}
}

type HandlerFunc func(c *Context) ([]Emission, error)

type ConnectFunc func(s Socket) []Emission

type DisconnectFunc func(s Socket, reason error)

// Context carries one inbound event through its handler. Membership changes
// go through the Context so they land in the namespace's registry.
type Context struct {
	Socket Socket
	Event  Event
	Data   json.RawMessage

	ns         *Namespace
	disconnect bool
}

// Bind decodes the event data into v.
func (c *Context) Bind(v interface{}) error {
	if len(c.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrInvalidMessage, c.Event)
	}
	if err := json.Unmarshal(c.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

func (c *Context) Namespace() *Namespace {
	return c.ns
}

func (c *Context) Join(room string) error {
	_, err := c.ns.rooms.Join(c.Socket, room)
	return err
}

// Leave is a no-op when the socket is not in the room.
func (c *Context) Leave(room string) bool {
	return c.ns.rooms.Leave(c.Socket.ID(), room)
}

func (c *Context) CloseRoom(room string) error {
	return c.ns.CloseRoom(room)
}

func (c *Context) Rooms() []string {
	return c.ns.rooms.RoomsOf(c.Socket.ID())
}

// Emit delivers e immediately rather than after the handler returns.
func (c *Context) Emit(e Emission) int {
	return c.ns.Emit(c.Socket, e)
}

// Disconnect closes the session once the handler's emissions are delivered.
func (c *Context) Disconnect() {
	c.disconnect = true
}
