package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kleeedolinux/socketroom/debug"
)

const publishTimeout = 5 * time.Second

// ErrorData is the payload of an error event sent back to the originator of
// a failed event.
type ErrorData struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type RoomClosedData struct {
	Room string `json:"room"`
}

// Namespace is an independent instance of the protocol multiplexed over the
// server's connections. It owns its dispatch table, room registry and
// dispatch counters.
type Namespace struct {
	name    string
	server  *Server
	logger  *slog.Logger
	rooms   *RoomManager
	counter *Counter

	mu           sync.RWMutex
	handlers     map[Event]HandlerFunc
	onConnect    []ConnectFunc
	onDisconnect []DisconnectFunc
	sessions     map[string]Socket
}

func normalizeNamespace(name string) string {
	if name == "" {
		return DefaultNamespace
	}
	return name
}

func newNamespace(name string, server *Server) *Namespace {
	return &Namespace{
		name:     name,
		server:   server,
		logger:   server.logger.With("namespace", name),
		rooms:    NewRoomManager(),
		counter:  NewCounter(),
		handlers: make(map[Event]HandlerFunc),
		sessions: make(map[string]Socket),
	}
}

func (ns *Namespace) Name() string {
	return ns.name
}

func (ns *Namespace) HandleFunc(event Event, handler HandlerFunc) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.logger.Debug("registering handler", "event", event)
	ns.handlers[event] = handler
}

func (ns *Namespace) OnConnect(fn ConnectFunc) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.onConnect = append(ns.onConnect, fn)
}

func (ns *Namespace) OnDisconnect(fn DisconnectFunc) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.onDisconnect = append(ns.onDisconnect, fn)
}

func (ns *Namespace) Rooms() *RoomManager {
	return ns.rooms
}

func (ns *Namespace) Counter() *Counter {
	return ns.counter
}

// Count returns the number of connected sessions.
func (ns *Namespace) Count() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.sessions)
}

func (ns *Namespace) Socket(id string) (Socket, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	s, ok := ns.sessions[id]
	return s, ok
}

// Emit stamps e with the next dispatch count for its event and delivers it
// to every recipient its scope resolves to. It returns the number of local
// recipients. A scope that resolves to nobody is not an error.
func (ns *Namespace) Emit(from Socket, e Emission) int {
	count := ns.counter.Next(e.Event)

	data, err := marshalData(e.Data)
	if err != nil {
		ns.logger.Error("failed to encode emission", "event", e.Event, "error", err)
		return 0
	}

	frame, err := encodeFrame(e.Event, ns.name, count, data)
	if err != nil {
		ns.logger.Error("failed to encode frame", "event", e.Event, "error", err)
		return 0
	}

	var senderID string
	if from != nil {
		senderID = from.ID()
	}

	recipients, missing := ns.resolve(senderID, e.Scope)
	for _, s := range recipients {
		ns.deliver(s, frame, e.Event, count, data)
	}

	if len(recipients) == 0 {
		ns.logger.Debug("delivery miss", "event", e.Event, "scope", e.Scope.Kind, "sender", senderID)
	}

	scope := e.Scope
	switch scope.Kind {
	case ScopeDirect:
		if len(missing) == 0 {
			return len(recipients)
		}
		scope = Direct(missing...)
	}

	ns.server.publish(Packet{
		Kind:      PacketEmit,
		Namespace: ns.name,
		Event:     e.Event,
		Count:     count,
		Scope:     scope,
		Sender:    senderID,
		Data:      data,
	})

	return len(recipients)
}

// CloseRoom evicts every member of the room and sends each of them a
// room closed notification.
func (ns *Namespace) CloseRoom(name string) error {
	removed, err := ns.rooms.Close(name)

	count := ns.counter.Next(EventRoomClosed)
	data, _ := json.Marshal(RoomClosedData{Room: name})

	ns.server.publish(Packet{
		Kind:      PacketClose,
		Namespace: ns.name,
		Event:     EventRoomClosed,
		Count:     count,
		Room:      name,
		Data:      data,
	})

	if err != nil {
		return err
	}

	frame, err := encodeFrame(EventRoomClosed, ns.name, count, data)
	if err != nil {
		return err
	}
	for _, s := range removed {
		ns.deliver(s, frame, EventRoomClosed, count, data)
	}

	ns.logger.Info("room closed", "room", name, "members", len(removed))
	return nil
}

func (ns *Namespace) resolve(senderID string, scope Scope) ([]Socket, []string) {
	switch scope.Kind {
	case ScopeDirect:
		ids := scope.Targets
		if len(ids) == 0 && senderID != "" {
			ids = []string{senderID}
		}

		ns.mu.RLock()
		defer ns.mu.RUnlock()

		var recipients []Socket
		var missing []string
		for _, id := range ids {
			if s, ok := ns.sessions[id]; ok {
				recipients = append(recipients, s)
			} else {
				missing = append(missing, id)
			}
		}
		return recipients, missing

	case ScopeBroadcast:
		ns.mu.RLock()
		defer ns.mu.RUnlock()

		recipients := make([]Socket, 0, len(ns.sessions))
		for id, s := range ns.sessions {
			if scope.ExcludeSender && id == senderID {
				continue
			}
			recipients = append(recipients, s)
		}
		return recipients, nil

	case ScopeRoom:
		members := ns.rooms.Members(scope.Room)
		recipients := members[:0]
		for _, s := range members {
			if scope.ExcludeSender && s.ID() == senderID {
				continue
			}
			recipients = append(recipients, s)
		}
		return recipients, nil
	}

	return nil, nil
}

type frameWriter interface {
	write(frame []byte) error
}

func (ns *Namespace) deliver(s Socket, frame []byte, event Event, count uint64, data json.RawMessage) {
	var err error
	if w, ok := s.(frameWriter); ok {
		err = w.write(frame)
	} else {
		err = s.Send(event, Payload{Count: count, Data: data})
	}
	if err != nil {
		debug.Printf("Namespace %s: delivery of %s to %s failed: %v", ns.name, event, s.ID(), err)
	}
}

func (ns *Namespace) dispatch(s Socket, msg Message) {
	ns.mu.RLock()
	handler, exists := ns.handlers[msg.Event]
	ns.mu.RUnlock()

	if !exists {
		ns.logger.Debug("no handler for event", "event", msg.Event, "socket", s.ID())
		return
	}

	c := &Context{Socket: s, Event: msg.Event, Data: msg.Data, ns: ns}
	emissions, err := invoke(handler, c)
	if err != nil {
		ns.reportError(s, msg.Event, err)
	} else {
		for _, e := range emissions {
			ns.Emit(s, e)
		}
	}

	if c.disconnect {
		s.Close()
	}
}

func invoke(handler HandlerFunc, c *Context) (emissions []Emission, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(c)
}

func (ns *Namespace) reportError(s Socket, event Event, err error) {
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		ns.logger.Info("event failed", "event", event, "socket", s.ID(), "error", err)
	} else {
		ns.logger.Warn("event failed", "event", event, "socket", s.ID(), "error", err)
	}

	ns.Emit(s, Reply(EventError, ErrorData{Event: event, Error: err.Error()}))
}

func (ns *Namespace) register(s Socket) {
	ns.mu.Lock()
	ns.sessions[s.ID()] = s
	ns.mu.Unlock()

	ns.logger.Info("session connected", "socket", s.ID())
}

func (ns *Namespace) connected(s Socket) {
	ns.mu.RLock()
	hooks := append([]ConnectFunc(nil), ns.onConnect...)
	ns.mu.RUnlock()

	for _, hook := range hooks {
		for _, e := range hook(s) {
			ns.Emit(s, e)
		}
	}
}

func (ns *Namespace) detach(s Socket, reason error) {
	ns.mu.Lock()
	delete(ns.sessions, s.ID())
	hooks := append([]DisconnectFunc(nil), ns.onDisconnect...)
	ns.mu.Unlock()

	left := ns.rooms.LeaveAll(s.ID())
	ns.logger.Info("session disconnected", "socket", s.ID(), "rooms", left)

	for _, hook := range hooks {
		hook(s, reason)
	}
}

func (ns *Namespace) handlePacket(p Packet) {
	switch p.Kind {
	case PacketEmit:
		frame, err := encodeFrame(p.Event, ns.name, p.Count, p.Data)
		if err != nil {
			ns.logger.Warn("failed to encode remote emission", "event", p.Event, "error", err)
			return
		}
		recipients, _ := ns.resolve(p.Sender, p.Scope)
		for _, s := range recipients {
			ns.deliver(s, frame, p.Event, p.Count, p.Data)
		}

	case PacketClose:
		removed, err := ns.rooms.Close(p.Room)
		if err != nil {
			return
		}
		frame, err := encodeFrame(EventRoomClosed, ns.name, p.Count, p.Data)
		if err != nil {
			return
		}
		for _, s := range removed {
			ns.deliver(s, frame, EventRoomClosed, p.Count, p.Data)
		}
	}
}

func marshalData(v interface{}) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	default:
		return json.Marshal(v)
	}
}

func encodeFrame(event Event, namespace string, count uint64, data json.RawMessage) ([]byte, error) {
	payload, err := json.Marshal(Payload{Count: count, Data: data})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: event, Namespace: namespace, Data: payload})
}

func publishContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), publishTimeout)
}
