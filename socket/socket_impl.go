package socket

import (
	"encoding/json"
	"sync/atomic"

	"github.com/kleeedolinux/socketroom/debug"
)

// session is one namespace handshake on a physical connection.
type session struct {
	id    string
	ns    *Namespace
	conn  *conn
	state atomic.Int32
}

func newSession(id string, ns *Namespace, c *conn) *session {
	debug.Printf("Creating session %s on connection %s for namespace %s", id, c.id, ns.name)
	s := &session{id: id, ns: ns, conn: c}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *session) ID() string {
	return s.id
}

func (s *session) Namespace() string {
	return s.ns.name
}

func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) IsConnected() bool {
	return s.State() == StateConnected
}

func (s *session) Rooms() []string {
	return s.ns.rooms.RoomsOf(s.id)
}

func (s *session) Send(event Event, data interface{}) error {
	if !s.IsConnected() {
		debug.Printf("Session %s: Attempted to send to closed session", s.id)
		return ErrConnectionClosed
	}

	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Message{Event: event, Namespace: s.ns.name, Data: raw})
	if err != nil {
		return err
	}
	return s.write(frame)
}

func (s *session) write(frame []byte) error {
	if !s.IsConnected() {
		return ErrConnectionClosed
	}
	debug.Printf("Session %s: Sending frame: %s", s.id, string(frame))
	return s.conn.transport.Write(frame)
}

func (s *session) Close() error {
	s.close(nil, true)
	return nil
}

// close ends the session once. With notify set the client is told with a
// disconnect frame, which is pointless when the transport already failed.
func (s *session) close(reason error, notify bool) {
	if !s.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		return
	}

	debug.Printf("Session %s: Closing, reason: %v", s.id, reason)
	if notify {
		if frame, err := json.Marshal(Message{Event: EventDisconnect, Namespace: s.ns.name}); err == nil {
			s.conn.transport.Write(frame)
		}
	}

	s.conn.forget(s)
	s.ns.detach(s, reason)
}
