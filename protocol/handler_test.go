package protocol

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleeedolinux/socketroom/socket"
	"github.com/kleeedolinux/socketroom/socket/transport"
)

const waitTimeout = 2 * time.Second

type frame struct {
	event socket.Event
	count uint64
	data  string
}

type peer struct {
	*socket.Client
	frames chan frame
}

func (p *peer) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-p.frames:
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a frame")
		return frame{}
	}
}

// response waits for the next my response frame and returns its data as a
// string.
func (p *peer) response(t *testing.T) (string, uint64) {
	t.Helper()
	f := p.next(t)
	require.Equal(t, EventResponse, f.event)
	var s string
	require.NoError(t, json.Unmarshal([]byte(f.data), &s), f.data)
	return s, f.count
}

func (p *peer) none(t *testing.T) {
	t.Helper()
	select {
	case f := <-p.frames:
		t.Fatalf("unexpected frame %s %s", f.event, f.data)
	case <-time.After(100 * time.Millisecond):
	}
}

type staticParams map[string]string

func (p staticParams) Value(_ context.Context, key, fallback string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return fallback
}

func newServer(t *testing.T, params Params) (*socket.Server, string) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := socket.NewServer(socket.WithLogger(logger))
	h := New(params, logger)
	h.Register(srv.Of("/"))
	h.Register(srv.Of("/test"))

	hs := httptest.NewServer(http.HandlerFunc(srv.HandleHTTP))
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/socket"
}

// dial connects a client and consumes the connect greeting.
func dial(t *testing.T, url, namespace string) *peer {
	t.Helper()

	c := socket.NewClient(transport.NewWebSocketTransport(url), socket.WithNamespace(namespace))
	p := &peer{Client: c, frames: make(chan frame, 64)}
	for _, ev := range []socket.Event{EventResponse, socket.EventRoomClosed, socket.EventError, socket.EventDisconnect} {
		ev := ev
		c.On(ev, func(data json.RawMessage) {
			var payload socket.Payload
			json.Unmarshal(data, &payload)
			p.frames <- frame{event: ev, count: payload.Count, data: string(payload.Data)}
		})
	}

	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })

	greeting, _ := p.response(t)
	require.NotEmpty(t, greeting)
	return p
}

func TestConnect_Greeting(t *testing.T) {
	_, url := newServer(t, nil)

	c := socket.NewClient(transport.NewWebSocketTransport(url), socket.WithNamespace("/test"))
	got := make(chan string, 1)
	c.On(EventResponse, func(data json.RawMessage) {
		var payload struct {
			Data string `json:"data"`
		}
		json.Unmarshal(data, &payload)
		got <- payload.Data
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	select {
	case s := <-got:
		assert.Equal(t, DefaultWelcome, s)
	case <-time.After(waitTimeout):
		t.Fatal("no greeting")
	}
}

func TestConnect_GreetingFromParams(t *testing.T) {
	_, url := newServer(t, staticParams{WelcomeParam: "Welcome aboard"})

	c := socket.NewClient(transport.NewWebSocketTransport(url))
	got := make(chan string, 1)
	c.On(EventResponse, func(data json.RawMessage) {
		var payload struct {
			Data string `json:"data"`
		}
		json.Unmarshal(data, &payload)
		got <- payload.Data
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	select {
	case s := <-got:
		assert.Equal(t, "Welcome aboard", s)
	case <-time.After(waitTimeout):
		t.Fatal("no greeting")
	}
}

func TestMyEvent_EchoesWithIncreasingCount(t *testing.T) {
	_, url := newServer(t, nil)
	a := dial(t, url, "/test")

	require.NoError(t, a.Emit(EventMy, map[string]string{"data": "first"}))
	s, c1 := a.response(t)
	assert.Equal(t, "first", s)

	require.NoError(t, a.Emit(EventMy, map[string]string{"data": "second"}))
	s, c2 := a.response(t)
	assert.Equal(t, "second", s)
	assert.Greater(t, c2, c1)
}

func TestMyEvent_InvalidPayload(t *testing.T) {
	_, url := newServer(t, nil)
	a := dial(t, url, "/test")

	require.NoError(t, a.Emit(EventMy, "not an object"))
	f := a.next(t)
	assert.Equal(t, socket.EventError, f.event)
	assert.Contains(t, f.data, `"event":"my event"`)
}

func TestBroadcast_ReachesEveryone(t *testing.T) {
	_, url := newServer(t, nil)
	a := dial(t, url, "/test")
	b := dial(t, url, "/test")
	other := dial(t, url, "/")

	require.NoError(t, a.Emit(EventBroadcast, map[string]string{"data": "hello all"}))

	sa, ca := a.response(t)
	sb, cb := b.response(t)
	assert.Equal(t, "hello all", sa)
	assert.Equal(t, "hello all", sb)
	assert.Equal(t, ca, cb)
	other.none(t)
}

func TestRooms_Scenario(t *testing.T) {
	srv, url := newServer(t, nil)
	a := dial(t, url, "/test")
	b := dial(t, url, "/test")
	c := dial(t, url, "/test")

	require.NoError(t, a.Emit(EventJoin, map[string]string{"room": "lobby"}))
	s, _ := a.response(t)
	assert.Equal(t, "In rooms: lobby", s)

	require.NoError(t, b.Emit(EventJoin, map[string]string{"room": "lobby"}))
	b.response(t)

	require.NoError(t, a.Emit(EventRoom, map[string]string{"room": "lobby", "data": "hi"}))
	sa, ca := a.response(t)
	sb, cb := b.response(t)
	assert.Equal(t, "hi", sa)
	assert.Equal(t, "hi", sb)
	assert.Equal(t, ca, cb)
	c.none(t)

	rooms := srv.Of("/test").Rooms()
	assert.ElementsMatch(t, []string{a.ID(), b.ID()}, memberIDs(rooms.Members("lobby")))
}

func TestJoinLeave_ListsRooms(t *testing.T) {
	_, url := newServer(t, nil)
	a := dial(t, url, "/test")

	for _, room := range []string{"b", "a", "a"} {
		require.NoError(t, a.Emit(EventJoin, map[string]string{"room": room}))
		a.response(t)
	}

	require.NoError(t, a.Emit(EventJoin, map[string]string{"room": "c"}))
	s, _ := a.response(t)
	assert.Equal(t, "In rooms: a, b, c", s)

	require.NoError(t, a.Emit(EventLeave, map[string]string{"room": "b"}))
	s, _ = a.response(t)
	assert.Equal(t, "In rooms: a, c", s)

	require.NoError(t, a.Emit(EventLeave, map[string]string{"room": "b"}))
	s, _ = a.response(t)
	assert.Equal(t, "In rooms: a, c", s)
}

func TestJoin_InvalidRoom(t *testing.T) {
	_, url := newServer(t, nil)
	a := dial(t, url, "/test")

	require.NoError(t, a.Emit(EventJoin, map[string]string{"room": ""}))
	f := a.next(t)
	assert.Equal(t, socket.EventError, f.event)
	assert.Contains(t, f.data, `"event":"join"`)
}

func TestCloseRoom_NotifiesMembers(t *testing.T) {
	srv, url := newServer(t, nil)
	a := dial(t, url, "/test")
	b := dial(t, url, "/test")
	c := dial(t, url, "/test")

	for _, p := range []*peer{a, b} {
		require.NoError(t, p.Emit(EventJoin, map[string]string{"room": "lobby"}))
		p.response(t)
	}

	require.NoError(t, c.Emit(EventCloseRoom, map[string]string{"room": "lobby"}))

	for _, p := range []*peer{a, b} {
		s, _ := p.response(t)
		assert.Equal(t, "Room lobby is closing.", s)

		f := p.next(t)
		assert.Equal(t, socket.EventRoomClosed, f.event)
		assert.JSONEq(t, `{"room":"lobby"}`, f.data)
	}
	c.none(t)
	assert.False(t, srv.Of("/test").Rooms().HasRoom("lobby"))

	require.NoError(t, a.Emit(EventLeave, map[string]string{"room": "lobby"}))
	s, _ := a.response(t)
	assert.Equal(t, "In rooms: ", s)

	require.NoError(t, b.Emit(EventJoin, map[string]string{"room": "lobby"}))
	b.response(t)
	assert.Equal(t, 1, srv.Of("/test").Rooms().Count("lobby"))
}

func TestCloseRoom_NotFound(t *testing.T) {
	srv, url := newServer(t, nil)
	a := dial(t, url, "/test")
	counter := srv.Of("/test").Counter()
	before := counter.Load(EventResponse)

	require.NoError(t, a.Emit(EventCloseRoom, map[string]string{"room": "nowhere"}))
	f := a.next(t)
	assert.Equal(t, socket.EventError, f.event)
	assert.Contains(t, f.data, "room not found: nowhere")
	assert.Equal(t, before, counter.Load(EventResponse))

	require.NoError(t, a.Emit(EventMy, map[string]string{"data": "still here"}))
	s, _ := a.response(t)
	assert.Equal(t, "still here", s)
}

func TestDisconnectRequest(t *testing.T) {
	srv, url := newServer(t, nil)
	a := dial(t, url, "/test")
	b := dial(t, url, "/test")

	for _, room := range []string{"x", "y"} {
		for _, p := range []*peer{a, b} {
			require.NoError(t, p.Emit(EventJoin, map[string]string{"room": room}))
			p.response(t)
		}
	}

	require.NoError(t, a.Emit(EventDisconnectRequest, nil))
	s, _ := a.response(t)
	assert.Equal(t, "Disconnected!", s)
	assert.Equal(t, socket.EventDisconnect, a.next(t).event)

	rooms := srv.Of("/test").Rooms()
	require.Eventually(t, func() bool {
		return len(rooms.RoomsOf(a.ID())) == 0
	}, waitTimeout, 10*time.Millisecond)

	assert.Equal(t, []string{b.ID()}, memberIDs(rooms.Members("x")))
	assert.Equal(t, []string{b.ID()}, memberIDs(rooms.Members("y")))
}

func TestNamespaces_AreIsolated(t *testing.T) {
	srv, url := newServer(t, nil)
	a := dial(t, url, "/test")
	b := dial(t, url, "")

	require.NoError(t, b.Emit(EventJoin, map[string]string{"room": "lobby"}))
	b.response(t)

	require.NoError(t, a.Emit(EventRoom, map[string]string{"room": "lobby", "data": "hi"}))
	b.none(t)
	a.none(t)

	assert.False(t, srv.Of("/test").Rooms().HasRoom("lobby"))
	assert.True(t, srv.Of("/").Rooms().HasRoom("lobby"))
}

func memberIDs(members []socket.Socket) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID())
	}
	return ids
}
