// Package protocol implements the room demo's event set on top of a socket
// namespace: echo, broadcast, join, leave, room emit, room close and a
// server-side disconnect.
package protocol

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/kleeedolinux/socketroom/socket"
)

const (
	EventMy                socket.Event = "my event"
	EventBroadcast         socket.Event = "my broadcast event"
	EventJoin              socket.Event = "join"
	EventLeave             socket.Event = "leave"
	EventRoom              socket.Event = "my room event"
	EventCloseRoom         socket.Event = "close room"
	EventDisconnectRequest socket.Event = "disconnect request"

	EventResponse socket.Event = "my response"
)

const (
	WelcomeParam   = "welcome_message"
	DefaultWelcome = "Connected"
)

// Params supplies runtime-tunable text. params.Store satisfies it.
type Params interface {
	Value(ctx context.Context, key, fallback string) string
}

type dataRequest struct {
	Data json.RawMessage `json:"data"`
}

type roomRequest struct {
	Room string          `json:"room"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Handler struct {
	params Params
	logger *slog.Logger
}

// New returns a Handler. params may be nil, in which case the default
// greeting is used.
func New(params Params, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{params: params, logger: logger}
}

// Register installs every event handler and the connect hooks on ns.
func (h *Handler) Register(ns *socket.Namespace) {
	ns.OnConnect(h.onConnect)
	ns.OnDisconnect(h.onDisconnect)

	ns.HandleFunc(EventMy, h.echo)
	ns.HandleFunc(EventBroadcast, h.broadcast)
	ns.HandleFunc(EventJoin, h.join)
	ns.HandleFunc(EventLeave, h.leave)
	ns.HandleFunc(EventRoom, h.roomEvent)
	ns.HandleFunc(EventCloseRoom, h.closeRoom)
	ns.HandleFunc(EventDisconnectRequest, h.disconnectRequest)
}

func (h *Handler) welcome() string {
	if h.params == nil {
		return DefaultWelcome
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return h.params.Value(ctx, WelcomeParam, DefaultWelcome)
}

func (h *Handler) onConnect(s socket.Socket) []socket.Emission {
	h.logger.Info("client connected", "socket", s.ID(), "namespace", s.Namespace())
	return []socket.Emission{socket.Reply(EventResponse, h.welcome())}
}

func (h *Handler) onDisconnect(s socket.Socket, reason error) {
	h.logger.Info("client disconnected", "socket", s.ID(), "namespace", s.Namespace(), "reason", reason)
}

func (h *Handler) echo(c *socket.Context) ([]socket.Emission, error) {
	var in dataRequest
	if err := c.Bind(&in); err != nil {
		return nil, err
	}
	return []socket.Emission{socket.Reply(EventResponse, in.Data)}, nil
}

func (h *Handler) broadcast(c *socket.Context) ([]socket.Emission, error) {
	var in dataRequest
	if err := c.Bind(&in); err != nil {
		return nil, err
	}
	return []socket.Emission{{Event: EventResponse, Data: in.Data, Scope: socket.Broadcast(false)}}, nil
}

func (h *Handler) join(c *socket.Context) ([]socket.Emission, error) {
	var in roomRequest
	if err := c.Bind(&in); err != nil {
		return nil, err
	}
	if err := c.Join(in.Room); err != nil {
		return nil, err
	}
	return []socket.Emission{socket.Reply(EventResponse, inRooms(c.Rooms()))}, nil
}

func (h *Handler) leave(c *socket.Context) ([]socket.Emission, error) {
	var in roomRequest
	if err := c.Bind(&in); err != nil {
		return nil, err
	}
	c.Leave(in.Room)
	return []socket.Emission{socket.Reply(EventResponse, inRooms(c.Rooms()))}, nil
}

func (h *Handler) roomEvent(c *socket.Context) ([]socket.Emission, error) {
	var in roomRequest
	if err := c.Bind(&in); err != nil {
		return nil, err
	}
	if err := socket.ValidateRoomName(in.Room); err != nil {
		return nil, err
	}
	return []socket.Emission{{Event: EventResponse, Data: in.Data, Scope: socket.ToRoom(in.Room)}}, nil
}

// closeRoom warns the room's members before evicting them. A room unknown
// to this node gets no warning, so no my response count is spent on it; its
// close is still relayed to the cluster and the caller gets a not found
// error.
func (h *Handler) closeRoom(c *socket.Context) ([]socket.Emission, error) {
	var in roomRequest
	if err := c.Bind(&in); err != nil {
		return nil, err
	}
	if err := socket.ValidateRoomName(in.Room); err != nil {
		return nil, err
	}

	if c.Namespace().Rooms().HasRoom(in.Room) {
		c.Emit(socket.Emission{
			Event: EventResponse,
			Data:  "Room " + in.Room + " is closing.",
			Scope: socket.ToRoom(in.Room),
		})
	}
	return nil, c.CloseRoom(in.Room)
}

func (h *Handler) disconnectRequest(c *socket.Context) ([]socket.Emission, error) {
	c.Disconnect()
	return []socket.Emission{socket.Reply(EventResponse, "Disconnected!")}, nil
}

func inRooms(rooms []string) string {
	return "In rooms: " + strings.Join(rooms, ", ")
}
