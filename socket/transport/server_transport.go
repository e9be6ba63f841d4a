package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kleeedolinux/socketroom/debug"
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrNotConnected   = errors.New("transport not connected")
)

type ServerTransport interface {
	Read() ([]byte, error)

	// Write queues a frame without blocking on the network.
	Write([]byte) error

	Close() error

	ID() string
}

type WebSocketServerTransport struct {
	id      string
	conn    *websocket.Conn
	sendCh  chan []byte
	closeCh chan struct{}
	writeWg sync.WaitGroup

	writeTimeout time.Duration
	pingInterval time.Duration

	mu     sync.Mutex
	closed bool
}

type WebSocketServerConfig struct {
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	BufferSize     int
	MaxMessageSize int64
}

func DefaultWebSocketServerConfig() WebSocketServerConfig {
	return WebSocketServerConfig{
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
		BufferSize:     256,
		MaxMessageSize: 64 * 1024,
	}
}

func NewWebSocketServerTransport(id string, conn *websocket.Conn, config WebSocketServerConfig) *WebSocketServerTransport {
	t := &WebSocketServerTransport{
		id:           id,
		conn:         conn,
		sendCh:       make(chan []byte, config.BufferSize),
		closeCh:      make(chan struct{}),
		writeTimeout: config.WriteTimeout,
		pingInterval: config.PingInterval,
	}

	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}
	if config.PongWait > 0 {
		conn.SetReadDeadline(time.Now().Add(config.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(config.PongWait))
		})
	}

	t.writeWg.Add(1)
	go t.writePump()

	return t
}

func (t *WebSocketServerTransport) writePump() {
	defer t.writeWg.Done()

	var ping <-chan time.Time
	if t.pingInterval > 0 {
		ticker := time.NewTicker(t.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-t.closeCh:
			t.flush()
			return
		case message := <-t.sendCh:
			if err := t.writeFrame(message); err != nil {
				debug.Printf("WebSocketServerTransport %s: Write error: %v", t.id, err)
				t.abort()
				return
			}
		case <-ping:
			deadline := time.Now().Add(t.writeTimeout)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				debug.Printf("WebSocketServerTransport %s: Ping error: %v", t.id, err)
				t.abort()
				return
			}
		}
	}
}

// flush writes whatever was queued before Close.
func (t *WebSocketServerTransport) flush() {
	for {
		select {
		case message := <-t.sendCh:
			if err := t.writeFrame(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *WebSocketServerTransport) writeFrame(message []byte) error {
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, message)
}

func (t *WebSocketServerTransport) Read() ([]byte, error) {
	_, message, err := t.conn.ReadMessage()
	if err != nil {
		debug.Printf("WebSocketServerTransport %s: Error reading message: %v", t.id, err)
		return nil, err
	}

	debug.Printf("WebSocketServerTransport %s: Received message: %s", t.id, string(message))
	return message, nil
}

func (t *WebSocketServerTransport) Write(data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}

	select {
	case t.sendCh <- data:
		t.mu.Unlock()
		return nil
	default:
	}
	t.mu.Unlock()

	debug.Printf("WebSocketServerTransport %s: Send buffer full, closing connection", t.id)
	t.abort()
	return ErrSendBufferFull
}

func (t *WebSocketServerTransport) markClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	t.closed = true
	close(t.closeCh)
	return true
}

// abort drops the connection without waiting for the write pump, which may
// be the caller.
func (t *WebSocketServerTransport) abort() {
	t.markClosed()
	t.conn.Close()
}

func (t *WebSocketServerTransport) Close() error {
	if !t.markClosed() {
		return nil
	}

	t.writeWg.Wait()

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}

func (t *WebSocketServerTransport) ID() string {
	return t.id
}

func NewUpgrader(bufferSize int, compression bool, checkOrigin func(*http.Request) bool) *websocket.Upgrader {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &websocket.Upgrader{
		ReadBufferSize:    bufferSize,
		WriteBufferSize:   bufferSize,
		EnableCompression: compression,
		CheckOrigin:       checkOrigin,
	}
}
