package socket

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kleeedolinux/socketroom/debug"
	"github.com/kleeedolinux/socketroom/socket/transport"
)

// conn is one physical connection. Inbound frames are handled one at a time
// in arrival order, which keeps delivery FIFO per sender.
type conn struct {
	id        string
	server    *Server
	transport transport.ServerTransport
	limiter   *rate.Limiter

	mu       sync.Mutex
	sessions map[string]*session
}

func newConn(id string, server *Server, t transport.ServerTransport) *conn {
	c := &conn{
		id:        id,
		server:    server,
		transport: t,
		sessions:  make(map[string]*session),
	}
	if server.rateLimit > 0 {
		c.limiter = rate.NewLimiter(server.rateLimit, server.rateBurst)
	}
	return c
}

func (c *conn) run() {
	defer c.server.removeConn(c)

	for {
		data, err := c.transport.Read()
		if err != nil {
			debug.Printf("Connection %s: Read error: %v", c.id, err)
			c.shutdown(err, false)
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.server.logger.Warn("rate limit exceeded, dropping frame", "conn", c.id)
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			debug.Printf("Connection %s: Invalid frame: %s", c.id, string(data))
			c.writeError(DefaultNamespace, "", ErrInvalidMessage)
			continue
		}

		c.handle(msg)
	}
}

func (c *conn) handle(msg Message) {
	name := normalizeNamespace(msg.Namespace)

	switch msg.Event {
	case EventConnect:
		c.open(name)
	case EventDisconnect:
		if s := c.session(name); s != nil {
			s.close(nil, true)
		}
	default:
		s := c.session(name)
		if s == nil {
			c.writeError(name, msg.Event, ErrNotConnected)
			return
		}
		s.ns.dispatch(s, msg)
	}
}

// open performs the namespace handshake. Repeating it on an open namespace
// re-acknowledges the existing session.
func (c *conn) open(name string) {
	ns, ok := c.server.namespace(name)
	if !ok {
		c.server.logger.Info("connect to unknown namespace", "conn", c.id, "namespace", name)
		c.writeError(name, EventConnect, ErrUnknownNamespace)
		return
	}

	c.mu.Lock()
	if existing := c.sessions[name]; existing != nil {
		c.mu.Unlock()
		existing.Send(EventConnect, map[string]string{"sid": existing.id})
		return
	}
	s := newSession(uuid.NewString(), ns, c)
	s.state.Store(int32(StateConnected))
	c.sessions[name] = s
	c.mu.Unlock()

	ns.register(s)
	s.Send(EventConnect, map[string]string{"sid": s.id})
	ns.connected(s)
}

func (c *conn) session(name string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[name]
}

func (c *conn) forget(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.ns.name] == s {
		delete(c.sessions, s.ns.name)
	}
}

// shutdown closes every session and then the transport.
func (c *conn) shutdown(reason error, notify bool) {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.close(reason, notify)
	}

	if err := c.transport.Close(); err != nil {
		debug.Printf("Connection %s: Close error: %v", c.id, err)
	}
}

func (c *conn) writeError(namespace string, event Event, err error) {
	data, _ := json.Marshal(ErrorData{Event: event, Error: err.Error()})
	payload, _ := json.Marshal(Payload{Data: data})
	frame, merr := json.Marshal(Message{Event: EventError, Namespace: namespace, Data: payload})
	if merr != nil {
		return
	}
	c.transport.Write(frame)
}
