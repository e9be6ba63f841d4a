package socket

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Event string

const (
	EventConnect    Event = "connect"
	EventDisconnect Event = "disconnect"
	EventError      Event = "error"
	EventRoomClosed Event = "room closed"
)

// DefaultNamespace is selected by an empty namespace string.
const DefaultNamespace = "/"

type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Message is the frame exchanged on the wire in both directions.
type Message struct {
	Event     Event           `json:"event"`
	Namespace string          `json:"namespace,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Payload is the data of every routed server frame. Count is the dispatch
// counter of the event at the time it was emitted.
type Payload struct {
	Count uint64          `json:"count"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Socket interface {
	ID() string

	Namespace() string

	State() State

	// Rooms lists the rooms the socket currently belongs to.
	Rooms() []string

	// Send writes an unrouted frame to this socket only.
	Send(event Event, data interface{}) error

	Close() error

	IsConnected() bool
}

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrInvalidMessage   = errors.New("invalid message format")
	ErrTimeout          = errors.New("operation timed out")
	ErrNotConnected     = errors.New("namespace not connected")
	ErrUnknownNamespace = errors.New("unknown namespace")
	ErrServerClosed     = errors.New("server closed")
)

// ConnectionError is returned when a transport or namespace handshake fails.
// The caller decides whether to retry.
type ConnectionError struct {
	Namespace string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Namespace, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

type NotFoundError struct {
	Room string
}

func (e *NotFoundError) Error() string {
	return "room not found: " + e.Room
}
