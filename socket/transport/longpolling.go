package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// LongPollingServerTransport carries frames over plain HTTP requests for
// clients that cannot open a websocket. Outbound frames are queued until
// the client polls.
type LongPollingServerTransport struct {
	id       string
	incoming chan []byte
	notify   chan struct{}
	closeCh  chan struct{}

	mu           sync.Mutex
	pending      []json.RawMessage
	lastActivity time.Time
	closed       bool

	disconnectTimeout time.Duration
	pollTimeout       time.Duration
	maxPending        int
	maxMessageSize    int64
}

type LongPollingServerConfig struct {
	DisconnectTimeout time.Duration
	PollTimeout       time.Duration
	BufferSize        int
	MaxMessageSize    int64
}

func DefaultLongPollingServerConfig() LongPollingServerConfig {
	return LongPollingServerConfig{
		DisconnectTimeout: 60 * time.Second,
		PollTimeout:       25 * time.Second,
		BufferSize:        256,
		MaxMessageSize:    64 * 1024,
	}
}

func NewLongPollingServerTransport(id string, config LongPollingServerConfig) *LongPollingServerTransport {
	return &LongPollingServerTransport{
		id:                id,
		incoming:          make(chan []byte, config.BufferSize),
		notify:            make(chan struct{}, 1),
		closeCh:           make(chan struct{}),
		lastActivity:      time.Now(),
		disconnectTimeout: config.DisconnectTimeout,
		pollTimeout:       config.PollTimeout,
		maxPending:        config.BufferSize,
		maxMessageSize:    config.MaxMessageSize,
	}
}

func (t *LongPollingServerTransport) Read() ([]byte, error) {
	select {
	case msg := <-t.incoming:
		return msg, nil
	case <-t.closeCh:
		return nil, ErrClosed
	}
}

func (t *LongPollingServerTransport) Write(data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if len(t.pending) >= t.maxPending {
		t.mu.Unlock()
		t.Close()
		return ErrSendBufferFull
	}
	t.pending = append(t.pending, json.RawMessage(data))
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

func (t *LongPollingServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.closeCh)
	return nil
}

func (t *LongPollingServerTransport) ID() string {
	return t.id
}

// HandlePoll answers with the queued frames as a JSON array, waiting up to
// the poll timeout for at least one. Frames queued before Close are still
// handed out; after that the session is gone.
func (t *LongPollingServerTransport) HandlePoll(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	if t.closed && len(t.pending) == 0 {
		t.mu.Unlock()
		http.Error(w, "Session closed", http.StatusGone)
		return
	}
	t.lastActivity = time.Now()
	empty := len(t.pending) == 0
	t.mu.Unlock()

	if empty {
		timer := time.NewTimer(t.pollTimeout)
		select {
		case <-t.notify:
		case <-t.closeCh:
		case <-r.Context().Done():
		case <-timer.C:
		}
		timer.Stop()
	}

	t.mu.Lock()
	messages := t.pending
	t.pending = nil
	t.lastActivity = time.Now()
	t.mu.Unlock()

	if messages == nil {
		messages = []json.RawMessage{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}

func (t *LongPollingServerTransport) HandleSend(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		http.Error(w, "Session closed", http.StatusGone)
		return
	}
	t.lastActivity = time.Now()
	t.mu.Unlock()

	defer r.Body.Close()

	body := io.Reader(r.Body)
	if t.maxMessageSize > 0 {
		body = http.MaxBytesReader(w, r.Body, t.maxMessageSize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Message too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	select {
	case t.incoming <- data:
		w.WriteHeader(http.StatusOK)
	case <-t.closeCh:
		http.Error(w, "Session closed", http.StatusGone)
	default:
		http.Error(w, "Message queue full", http.StatusServiceUnavailable)
	}
}

func (t *LongPollingServerTransport) IsExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return true
	}
	return time.Since(t.lastActivity) > t.disconnectTimeout
}
