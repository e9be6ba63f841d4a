package cluster

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

const waitTimeout = 3 * time.Second

type received struct {
	event   socket.Event
	payload socket.Payload
}

func listen(c *socket.Client, events ...socket.Event) chan received {
	ch := make(chan received, 64)
	for _, ev := range events {
		ev := ev
		c.On(ev, func(data json.RawMessage) {
			var p socket.Payload
			json.Unmarshal(data, &p)
			ch <- received{event: ev, payload: p}
		})
	}
	return ch
}

func next(t *testing.T, ch chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a frame")
		return received{}
	}
}

func none(t *testing.T, ch chan received) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected frame %s", r.event)
	case <-time.After(150 * time.Millisecond):
	}
}

func startNode(t *testing.T, adapter socket.Adapter) (*socket.Server, string) {
	t.Helper()

	srv := socket.NewServer(socket.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ns := srv.Of("/test")
	ns.HandleFunc("join", func(c *socket.Context) ([]socket.Emission, error) {
		var in struct {
			Room string `json:"room"`
		}
		if err := c.Bind(&in); err != nil {
			return nil, err
		}
		return []socket.Emission{socket.Reply("joined", in.Room)}, c.Join(in.Room)
	})
	ns.HandleFunc("room", func(c *socket.Context) ([]socket.Emission, error) {
		var in struct {
			Room string `json:"room"`
			Data string `json:"data"`
		}
		if err := c.Bind(&in); err != nil {
			return nil, err
		}
		return []socket.Emission{{Event: "my response", Data: in.Data, Scope: socket.ToRoom(in.Room)}}, nil
	})
	ns.HandleFunc("broadcast", func(c *socket.Context) ([]socket.Emission, error) {
		return []socket.Emission{{Event: "my response", Data: c.Data, Scope: socket.Broadcast(false)}}, nil
	})
	ns.HandleFunc("close", func(c *socket.Context) ([]socket.Emission, error) {
		var in struct {
			Room string `json:"room"`
		}
		if err := c.Bind(&in); err != nil {
			return nil, err
		}
		return nil, c.CloseRoom(in.Room)
	})

	require.NoError(t, srv.UseAdapter(context.Background(), adapter))

	hs := httptest.NewServer(http.HandlerFunc(srv.HandleHTTP))
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/socket"
}

func connect(t *testing.T, url string) (*socket.Client, chan received) {
	t.Helper()
	c := socket.NewClient(transport.NewWebSocketTransport(url), socket.WithNamespace("/test"))
	ch := listen(c, "joined", "my response", socket.EventRoomClosed, socket.EventError)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c, ch
}

func runClusterScenario(t *testing.T, first, second socket.Adapter) {
	_, url1 := startNode(t, first)
	_, url2 := startNode(t, second)

	a, inA := connect(t, url1)
	b, inB := connect(t, url2)
	c, inC := connect(t, url2)

	require.NoError(t, a.Emit("join", map[string]string{"room": "lobby"}))
	assert.Equal(t, socket.Event("joined"), next(t, inA).event)
	require.NoError(t, b.Emit("join", map[string]string{"room": "lobby"}))
	assert.Equal(t, socket.Event("joined"), next(t, inB).event)

	require.NoError(t, a.Emit("room", map[string]string{"room": "lobby", "data": "hi"}))
	ra, rb := next(t, inA), next(t, inB)
	assert.Equal(t, `"hi"`, string(ra.payload.Data))
	assert.Equal(t, `"hi"`, string(rb.payload.Data))
	assert.Equal(t, ra.payload.Count, rb.payload.Count)
	none(t, inC)

	require.NoError(t, b.Emit("broadcast", "all"))
	for _, ch := range []chan received{inA, inB, inC} {
		r := next(t, ch)
		assert.Equal(t, socket.Event("my response"), r.event)
		assert.Equal(t, `"all"`, string(r.payload.Data))
	}

	require.NoError(t, c.Emit("close", map[string]string{"room": "lobby"}))
	for _, ch := range []chan received{inA, inB} {
		r := next(t, ch)
		assert.Equal(t, socket.EventRoomClosed, r.event)
		assert.JSONEq(t, `{"room":"lobby"}`, string(r.payload.Data))
	}
	none(t, inC)
}

func TestMemoryAdapter_Cluster(t *testing.T) {
	bus := NewBus()
	runClusterScenario(t, bus.Adapter(), bus.Adapter())
}

func TestMemoryAdapter_Closed(t *testing.T) {
	bus := NewBus()
	a := bus.Adapter()

	got := 0
	require.NoError(t, a.Subscribe(context.Background(), func(socket.Packet) { got++ }))
	require.NoError(t, bus.Adapter().Publish(context.Background(), socket.Packet{Kind: socket.PacketEmit}))
	assert.Equal(t, 1, got)

	require.NoError(t, a.Close())
	require.NoError(t, bus.Adapter().Publish(context.Background(), socket.Packet{Kind: socket.PacketEmit}))
	assert.Equal(t, 1, got)

	assert.ErrorIs(t, a.Publish(context.Background(), socket.Packet{}), ErrAdapterClosed)
	assert.ErrorIs(t, a.Subscribe(context.Background(), func(socket.Packet) {}), ErrAdapterClosed)
}

func TestServer_IgnoresOwnPackets(t *testing.T) {
	bus := NewBus()
	srv, url := startNode(t, bus.Adapter())

	a, inA := connect(t, url)
	require.NoError(t, a.Emit("broadcast", "once"))
	next(t, inA)
	none(t, inA)

	assert.Equal(t, uint64(1), srv.Of("/test").Counter().Load("my response"))
}
