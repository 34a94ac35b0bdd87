package signal_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/peershare/pkg/relay"
	"github.com/tomaslejdung/peershare/pkg/signal"
)

// recorder collects transport events on channels.
type recorder struct {
	connected chan struct{}
	messages  chan signal.Message
	closed    chan error
	errs      chan error
}

func newRecorder() *recorder {
	return &recorder{
		connected: make(chan struct{}, 8),
		messages:  make(chan signal.Message, 32),
		closed:    make(chan error, 8),
		errs:      make(chan error, 8),
	}
}

func (r *recorder) handler() signal.Handler {
	return signal.Handler{
		OnConnected: func() { r.connected <- struct{}{} },
		OnMessage: func(data []byte) {
			msg, err := signal.Decode(data)
			if err == nil {
				r.messages <- msg
			}
		},
		OnClosed: func(err error) { r.closed <- err },
		OnError:  func(err error) { r.errs <- err },
	}
}

func (r *recorder) next(t *testing.T) signal.Message {
	t.Helper()
	select {
	case msg := <-r.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func relayURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialClient(t *testing.T, srv *httptest.Server, room, id string) (*signal.WebSocketTransport, *recorder) {
	t.Helper()
	d := signal.RoomDescriptor{ServerURL: relayURL(srv), RoomID: room, ClientID: id}
	tr := signal.NewWebSocketTransport(d.Address(), signal.WebSocketConfig{MaxReconnects: -1})
	rec := newRecorder()
	tr.SetHandler(rec.handler())
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })
	<-rec.connected
	return tr, rec
}

func TestWebSocketTransportThroughRelay(t *testing.T) {
	srv := httptest.NewServer(relay.NewServer(nil).Handler())
	defer srv.Close()

	a, recA := dialClient(t, srv, "ROOM-A-01", "client-1000")
	assert.Equal(t, signal.RoomClients{ClientIDs: []string{}}, recA.next(t))

	_, recB := dialClient(t, srv, "ROOM-A-01", "client-2000")
	assert.Equal(t, signal.RoomClients{ClientIDs: []string{"client-1000"}}, recB.next(t))
	assert.Equal(t, signal.Join{ClientID: "client-2000"}, recA.next(t))

	offer := signal.Offer{From: "client-1000", To: "client-2000", SDP: "v=0\r\n"}
	data, err := signal.Encode(offer)
	require.NoError(t, err)
	require.NoError(t, a.Send(data))
	assert.Equal(t, offer, recB.next(t))

	hb, err := signal.Encode(signal.Heartbeat{})
	require.NoError(t, err)
	require.NoError(t, a.Send(hb))
	assert.Equal(t, signal.HeartbeatAck{}, recA.next(t))
}

func TestWebSocketTransportLeaveOnClose(t *testing.T) {
	srv := httptest.NewServer(relay.NewServer(nil).Handler())
	defer srv.Close()

	_, recA := dialClient(t, srv, "ROOM", "a")
	recA.next(t)
	b, recB := dialClient(t, srv, "ROOM", "b")
	recB.next(t)
	recA.next(t)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, signal.Leave{ClientID: "b"}, recA.next(t))

	assert.ErrorIs(t, b.Send([]byte(`{}`)), signal.ErrClosed)
	assert.ErrorIs(t, b.Connect(context.Background()), signal.ErrClosed)

	select {
	case err := <-recB.closed:
		t.Fatalf("OnClosed fired after Close: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocketTransportSendBeforeConnect(t *testing.T) {
	tr := signal.NewWebSocketTransport("ws://127.0.0.1:1/ws/r/c", signal.WebSocketConfig{})
	assert.ErrorIs(t, tr.Send([]byte(`{}`)), signal.ErrNotConnected)
}

func TestWebSocketTransportConnectHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := signal.NewWebSocketTransport("ws://127.0.0.1:1/ws/r/c", signal.WebSocketConfig{})
	assert.Error(t, tr.Connect(ctx))
}

func TestWebSocketTransportReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var (
		mu    sync.Mutex
		conns []*websocket.Conn
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		// Drain until the peer goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := signal.NewWebSocketTransport(relayURL(srv)+"/r/c", signal.WebSocketConfig{
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	})
	rec := newRecorder()
	tr.SetHandler(rec.handler())
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()
	<-rec.connected

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(conns) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	conns[0].Close()
	mu.Unlock()

	select {
	case <-rec.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("no OnClosed after server dropped the connection")
	}
	select {
	case <-rec.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not reconnect")
	}

	require.Eventually(t, func() bool {
		return tr.Send([]byte(`{"type":"heartbeat"}`)) == nil
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketTransportGivesUp(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		first := false
		once.Do(func() { first = true })
		if !first {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	tr := signal.NewWebSocketTransport(relayURL(srv)+"/r/c", signal.WebSocketConfig{
		MaxReconnects: 2,
		BaseBackoff:   5 * time.Millisecond,
		MaxBackoff:    10 * time.Millisecond,
	})
	rec := newRecorder()
	tr.SetHandler(rec.handler())
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	select {
	case err := <-rec.errs:
		assert.ErrorIs(t, err, signal.ErrReconnectFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("expected ErrReconnectFailed")
	}
}

func TestRelayRejectsDuplicateClient(t *testing.T) {
	srv := httptest.NewServer(relay.NewServer(nil).Handler())
	defer srv.Close()

	_, rec := dialClient(t, srv, "ROOM", "same")
	rec.next(t)

	tr := signal.NewWebSocketTransport(relayURL(srv)+"/ROOM/same", signal.WebSocketConfig{MaxReconnects: -1})
	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}
