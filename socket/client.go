package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Client speaks the protocol over a single transport and a single
// namespace.
type Client struct {
	mu        sync.RWMutex
	id        string
	namespace string
	conn      Transport
	handlers  map[Event][]func(data json.RawMessage)
	state     State

	sendCh         chan []byte
	connectTimeout time.Duration
	handshake      chan error

	// stop hands the final disconnect frame to the send loop, which closes
	// flushed once everything queued before it went out.
	stop    chan []byte
	flushed chan struct{}

	ctx        context.Context
	cancelFunc context.CancelFunc
}

type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// closeTimeout bounds how long Close waits for queued frames to go out.
const closeTimeout = 2 * time.Second

type ClientOption func(*Client)

func WithNamespace(namespace string) ClientOption {
	return func(c *Client) {
		c.namespace = normalizeNamespace(namespace)
	}
}

// WithClientSendBuffer sets how many emitted frames may wait for the
// transport.
func WithClientSendBuffer(n int) ClientOption {
	return func(c *Client) {
		c.sendCh = make(chan []byte, n)
	}
}

func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = d
	}
}

func NewClient(transport Transport, opts ...ClientOption) *Client {
	client := &Client{
		namespace:      DefaultNamespace,
		conn:           transport,
		handlers:       make(map[Event][]func(data json.RawMessage)),
		state:          StateDisconnected,
		sendCh:         make(chan []byte, 100),
		connectTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// ID returns the session id assigned by the server, empty before the
// handshake completes.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect opens the transport and performs the namespace handshake. Any
// failure is returned as a *ConnectionError.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.ctx, c.cancelFunc = context.WithCancel(context.Background())
	c.handshake = make(chan error, 1)
	c.stop = make(chan []byte, 1)
	c.flushed = make(chan struct{})
	c.mu.Unlock()

	if err := c.conn.Connect(ctx); err != nil {
		c.fail()
		return &ConnectionError{Namespace: c.namespace, Err: err}
	}

	go c.sendLoop(c.ctx, c.stop, c.flushed)
	go c.receiveLoop(c.ctx)

	frame, _ := json.Marshal(Message{Event: EventConnect, Namespace: c.namespace})
	if err := c.conn.Send(frame); err != nil {
		c.fail()
		return &ConnectionError{Namespace: c.namespace, Err: err}
	}

	timer := time.NewTimer(c.connectTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-c.handshake:
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = ErrTimeout
	}

	if err != nil {
		c.fail()
		return &ConnectionError{Namespace: c.namespace, Err: err}
	}
	return nil
}

func (c *Client) fail() {
	c.mu.Lock()
	c.state = StateDisconnected
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.mu.Unlock()
	c.conn.Close()
}

func (c *Client) sendLoop(ctx context.Context, stop <-chan []byte, flushed chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case last := <-stop:
			c.drain()
			c.conn.Send(last)
			close(flushed)
			return
		case data := <-c.sendCh:
			if err := c.conn.Send(data); err != nil {
				c.handleDisconnect(err)
				return
			}
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.conn.Send(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) receiveLoop(ctx context.Context) {
	for {
		data, err := c.conn.Receive()
		if err != nil {
			if ctx.Err() == nil {
				c.handleDisconnect(err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if normalizeNamespace(msg.Namespace) != c.namespace {
			continue
		}

		switch msg.Event {
		case EventConnect:
			var ack struct {
				SID string `json:"sid"`
			}
			json.Unmarshal(msg.Data, &ack)
			c.mu.Lock()
			c.id = ack.SID
			c.state = StateConnected
			c.mu.Unlock()
			c.signal(nil)
		case EventDisconnect:
			c.handleDisconnect(nil)
			return
		case EventError:
			if c.State() == StateConnecting {
				var p Payload
				var e ErrorData
				if json.Unmarshal(msg.Data, &p) == nil && json.Unmarshal(p.Data, &e) == nil && e.Event == EventConnect {
					c.signal(errors.New(e.Error))
					continue
				}
			}
		}

		c.trigger(msg.Event, msg.Data)
	}
}

func (c *Client) signal(err error) {
	select {
	case c.handshake <- err:
	default:
	}
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.cancelFunc()
	c.mu.Unlock()

	if err == nil {
		err = ErrConnectionClosed
	}
	c.signal(err)
	c.trigger(EventDisconnect, nil)
	c.conn.Close()
}

// Emit sends an event to the server.
func (c *Client) Emit(event Event, data interface{}) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Message{Event: event, Namespace: c.namespace, Data: raw})
	if err != nil {
		return err
	}

	select {
	case c.sendCh <- frame:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// On registers a handler. Handlers run on the receive goroutine in the
// order frames arrive.
func (c *Client) On(event Event, handler func(data json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

func (c *Client) Off(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

func (c *Client) trigger(event Event, data json.RawMessage) {
	c.mu.RLock()
	handlers := c.handlers[event]
	c.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}

// Close leaves the namespace and closes the transport. Frames already
// accepted by Emit are sent before the disconnect frame.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnected
	ctx, stop, flushed := c.ctx, c.stop, c.flushed
	c.mu.Unlock()

	frame, _ := json.Marshal(Message{Event: EventDisconnect, Namespace: c.namespace})
	stop <- frame

	timer := time.NewTimer(closeTimeout)
	select {
	case <-flushed:
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()

	c.cancelFunc()
	return c.conn.Close()
}
