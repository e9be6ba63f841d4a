package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kleeedolinux/socketroom/socket/transport"
)

const shutdownConcurrency = 32

type Server struct {
	mu         sync.RWMutex
	namespaces map[string]*Namespace
	conns      map[string]*conn
	polling    map[string]*transport.LongPollingServerTransport

	nodeID  string
	adapter Adapter
	logger  *slog.Logger

	upgrader       *websocket.Upgrader
	pingInterval   time.Duration
	pingTimeout    time.Duration
	maxConnections int
	slots          chan struct{}
	compression    bool
	bufferSize     int
	sendBuffer     int
	maxMessageSize int64
	checkOrigin    func(*http.Request) bool
	rateLimit      rate.Limit
	rateBurst      int
	pollTimeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

type ServerOption func(*Server)

func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = d
	}
}

// WithPingTimeout sets how long a connection may stay silent after a ping.
func WithPingTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = d
	}
}

// WithMaxConnections bounds concurrent physical connections. Zero means no
// limit.
func WithMaxConnections(n int) ServerOption {
	return func(s *Server) {
		s.maxConnections = n
	}
}

func WithCompression(enabled bool) ServerOption {
	return func(s *Server) {
		s.compression = enabled
	}
}

func WithBufferSize(size int) ServerOption {
	return func(s *Server) {
		s.bufferSize = size
	}
}

// WithSendBuffer sets the number of outbound frames queued per connection
// before it is dropped as too slow.
func WithSendBuffer(n int) ServerOption {
	return func(s *Server) {
		s.sendBuffer = n
	}
}

func WithMaxMessageSize(n int64) ServerOption {
	return func(s *Server) {
		s.maxMessageSize = n
	}
}

func WithCheckOrigin(fn func(*http.Request) bool) ServerOption {
	return func(s *Server) {
		s.checkOrigin = fn
	}
}

// WithRateLimit limits inbound frames per connection. Excess frames are
// dropped.
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateLimit = rate.Limit(perSecond)
		s.rateBurst = burst
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithLongPollingTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pollTimeout = d
	}
}

func NewServer(opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		namespaces:     make(map[string]*Namespace),
		conns:          make(map[string]*conn),
		polling:        make(map[string]*transport.LongPollingServerTransport),
		nodeID:         uuid.NewString(),
		logger:         slog.Default(),
		pingInterval:   25 * time.Second,
		pingTimeout:    60 * time.Second,
		bufferSize:     1024,
		sendBuffer:     256,
		maxMessageSize: 64 * 1024,
		pollTimeout:    25 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.maxConnections > 0 {
		s.slots = make(chan struct{}, s.maxConnections)
	}
	s.upgrader = transport.NewUpgrader(s.bufferSize, s.compression, s.checkOrigin)
	s.namespaces[DefaultNamespace] = newNamespace(DefaultNamespace, s)

	go s.cleanupSessions()

	return s
}

// NodeID identifies this server among the nodes sharing an adapter.
func (s *Server) NodeID() string {
	return s.nodeID
}

// Of returns the namespace with the given name, creating it if needed.
func (s *Server) Of(name string) *Namespace {
	name = normalizeNamespace(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	ns, exists := s.namespaces[name]
	if !exists {
		ns = newNamespace(name, s)
		s.namespaces[name] = ns
	}
	return ns
}

func (s *Server) namespace(name string) (*Namespace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[normalizeNamespace(name)]
	return ns, ok
}

// UseAdapter relays emissions and room closes through a to the other nodes
// and delivers theirs locally.
func (s *Server) UseAdapter(ctx context.Context, a Adapter) error {
	s.mu.Lock()
	s.adapter = a
	s.mu.Unlock()

	if err := a.Subscribe(ctx, s.handlePacket); err != nil {
		s.mu.Lock()
		s.adapter = nil
		s.mu.Unlock()
		return fmt.Errorf("failed to subscribe adapter: %w", err)
	}
	return nil
}

func (s *Server) handlePacket(p Packet) {
	if p.Node == s.nodeID {
		return
	}
	ns, ok := s.namespace(p.Namespace)
	if !ok {
		return
	}
	ns.handlePacket(p)
}

func (s *Server) publish(p Packet) {
	s.mu.RLock()
	a := s.adapter
	s.mu.RUnlock()
	if a == nil {
		return
	}

	p.Node = s.nodeID
	ctx, cancel := publishContext()
	defer cancel()
	if err := a.Publish(ctx, p); err != nil {
		s.logger.Warn("failed to publish packet", "kind", p.Kind, "event", p.Event, "error", err)
	}
}

func (s *Server) acquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}

	s.handleLongPolling(w, r)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.HandleHTTP(w, r)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.acquire() {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	t := transport.NewWebSocketServerTransport(id, wsConn, transport.WebSocketServerConfig{
		WriteTimeout:   10 * time.Second,
		PongWait:       s.pingTimeout,
		PingInterval:   s.pingInterval,
		BufferSize:     s.sendBuffer,
		MaxMessageSize: s.maxMessageSize,
	})

	s.startConn(id, t)
}

func (s *Server) startConn(id string, t transport.ServerTransport) {
	c := newConn(id, s, t)

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	s.logger.Debug("connection opened", "conn", id)
	go c.run()
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	_, exists := s.conns[c.id]
	delete(s.conns, c.id)
	delete(s.polling, c.id)
	s.mu.Unlock()

	if exists {
		s.release()
		s.logger.Debug("connection closed", "conn", c.id)
	}
}

func (s *Server) handleLongPolling(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")

	switch endpoint(r.URL.Path) {
	case "connect":
		s.handleLongPollingConnect(w, r)
	case "poll":
		s.withPollingSession(w, sessionID, func(t *transport.LongPollingServerTransport) {
			t.HandlePoll(w, r)
		})
	case "send":
		s.withPollingSession(w, sessionID, func(t *transport.LongPollingServerTransport) {
			t.HandleSend(w, r)
		})
	case "disconnect":
		s.withPollingSession(w, sessionID, func(t *transport.LongPollingServerTransport) {
			t.Close()
			w.WriteHeader(http.StatusOK)
		})
	default:
		http.Error(w, "Unknown endpoint", http.StatusNotFound)
	}
}

func endpoint(path string) string {
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (s *Server) handleLongPollingConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.checkOrigin != nil && !s.checkOrigin(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}
	if !s.acquire() {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	id := uuid.NewString()
	config := transport.DefaultLongPollingServerConfig()
	config.PollTimeout = s.pollTimeout
	config.DisconnectTimeout = s.pingTimeout
	config.BufferSize = s.sendBuffer
	config.MaxMessageSize = s.maxMessageSize
	t := transport.NewLongPollingServerTransport(id, config)

	s.mu.Lock()
	s.polling[id] = t
	s.mu.Unlock()

	s.startConn(id, t)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"sessionId": id})
}

func (s *Server) withPollingSession(w http.ResponseWriter, id string, fn func(*transport.LongPollingServerTransport)) {
	s.mu.RLock()
	t, exists := s.polling[id]
	s.mu.RUnlock()

	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	fn(t)
}

func (s *Server) cleanupSessions() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.expirePolling()
		}
	}
}

func (s *Server) expirePolling() {
	s.mu.RLock()
	expired := make([]*transport.LongPollingServerTransport, 0)
	for _, t := range s.polling {
		if t.IsExpired() {
			expired = append(expired, t)
		}
	}
	s.mu.RUnlock()

	for _, t := range expired {
		s.logger.Debug("long-polling session expired", "conn", t.ID())
		t.Close()
	}
}

type NamespaceStats struct {
	Sessions int              `json:"sessions"`
	Rooms    []string         `json:"rooms"`
	Counters map[Event]uint64 `json:"counters"`
}

type Stats struct {
	Node        string                    `json:"node"`
	Connections int                       `json:"connections"`
	Namespaces  map[string]NamespaceStats `json:"namespaces"`
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	stats := Stats{
		Node:        s.nodeID,
		Connections: len(s.conns),
		Namespaces:  make(map[string]NamespaceStats, len(s.namespaces)),
	}
	namespaces := make([]*Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		namespaces = append(namespaces, ns)
	}
	s.mu.RUnlock()

	for _, ns := range namespaces {
		stats.Namespaces[ns.name] = NamespaceStats{
			Sessions: ns.Count(),
			Rooms:    ns.rooms.Rooms(),
			Counters: ns.counter.Snapshot(),
		}
	}
	return stats
}

// Count returns the number of open physical connections.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Shutdown disconnects every client and detaches the adapter. New
// connections are refused from the first call on.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	adapter := s.adapter
	s.mu.RUnlock()

	s.logger.Info("shutting down socket server", "connections", len(conns))

	g := new(errgroup.Group)
	g.SetLimit(shutdownConcurrency)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			c.shutdown(ErrServerClosed, true)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if adapter != nil {
		if cerr := adapter.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close adapter: %w", cerr))
		}
	}
	return err
}
