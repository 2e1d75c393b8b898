package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastReachesEveryInstance(t *testing.T) {
	serverA, clientA, cleanupA := websocketConnPair(t)
	defer cleanupA()
	serverB, clientB, cleanupB := websocketConnPair(t)
	defer cleanupB()

	registry := NewRegistry()
	registry.Add(&Instance{ID: "a", Conn: serverA, ConnectedAt: time.Now()})
	registry.Add(&Instance{ID: "b", Conn: serverB, ConnectedAt: time.Now()})

	b := NewBroadcaster(registry, zerolog.Nop())
	require.NoError(t, b.Broadcast(context.Background(), map[string]string{"type": "sync-complete"}))

	for _, conn := range []*websocket.Conn{clientA, clientB} {
		var got map[string]string
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, "sync-complete", got["type"])
	}
}

func TestBroadcastIgnoresDeadInstances(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()
	deadServer, _, deadCleanup := websocketConnPair(t)
	deadCleanup()

	registry := NewRegistry()
	registry.Add(&Instance{ID: "dead", Conn: deadServer})
	registry.Add(&Instance{ID: "live", Conn: serverConn})

	b := NewBroadcaster(registry, zerolog.Nop())
	require.NoError(t, b.Broadcast(context.Background(), map[string]string{"type": "sync-complete"}))

	var got map[string]string
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&got))
	assert.Equal(t, "sync-complete", got["type"])
}

func TestBroadcastMarshalError(t *testing.T) {
	b := NewBroadcaster(NewRegistry(), zerolog.Nop())
	err := b.Broadcast(context.Background(), make(chan int))
	assert.Error(t, err)
}

func TestClaimControlsCurrentAndLaterInstances(t *testing.T) {
	registry := NewRegistry()
	early := &Instance{ID: "early"}
	registry.Add(early)
	assert.Equal(t, "", early.Controller())

	assert.Equal(t, 1, registry.Claim("v2"))
	assert.Equal(t, "v2", early.Controller())

	late := &Instance{ID: "late"}
	registry.Add(late)
	assert.Equal(t, "v2", late.Controller())
	assert.Equal(t, 2, registry.Count())

	registry.Remove(early)
	_, ok := registry.Get("early")
	assert.False(t, ok)
}

func TestRemoveKeepsReconnectedInstance(t *testing.T) {
	registry := NewRegistry()
	old := &Instance{ID: "page"}
	registry.Add(old)
	fresh := &Instance{ID: "page"}
	registry.Add(fresh)

	registry.Remove(old)
	got, ok := registry.Get("page")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestServerHelloAndMessages(t *testing.T) {
	registry := NewRegistry()
	registry.Claim("v1")

	var (
		mu       sync.Mutex
		received []string
	)
	gotMessage := make(chan struct{}, 1)
	srv := NewServer(registry, func(_ context.Context, id, msg string) {
		mu.Lock()
		received = append(received, id+":"+msg)
		mu.Unlock()
		gotMessage <- struct{}{}
	}, zerolog.Nop())

	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "?id=page-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello Hello
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, "page-1", hello.ID)
	assert.Equal(t, "v1", hello.Controller)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("flush-queue")))
	select {
	case <-gotMessage:
	case <-time.After(2 * time.Second):
		t.Fatal("message not forwarded")
	}
	mu.Lock()
	assert.Equal(t, []string{"page-1:flush-queue"}, received)
	mu.Unlock()

	require.Equal(t, 1, registry.Count())
	infos := registry.Infos()
	require.Len(t, infos, 1)
	assert.Equal(t, "v1", infos[0].Controller)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerAssignsID(t *testing.T) {
	ts := httptest.NewServer(NewServer(NewRegistry(), nil, zerolog.Nop()))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello Hello
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.NotEmpty(t, hello.ID)
	assert.Empty(t, hello.Controller)
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}
	return serverConn, clientConn, cleanup
}
