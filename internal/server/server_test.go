package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phonectl/relay/internal/config"
	"github.com/phonectl/relay/internal/registry"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.ServerConfig{
		Port:           0,
		Path:           "/ws",
		PingInterval:   5 * time.Second,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   2 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBufferSize: 16,
	}

	reg := registry.NewRegistry(registry.Config{SweepInterval: time.Minute}, nil, nil)
	srv := New(cfg, reg, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func recv(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return string(data)
}

func TestServer_RegisterAck(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts)

	send(t, ws, `{"type":"register","pairId":"p1","role":"pc"}`)

	got := recv(t, ws)
	want := `{"ok":true,"registered":true,"paired":false}`
	if got != want {
		t.Errorf("register ack = %s, want %s", got, want)
	}
}

func TestServer_InvalidJSON(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts)

	send(t, ws, `{not json`)

	got := recv(t, ws)
	want := `{"ok":false,"error":"Invalid JSON"}`
	if got != want {
		t.Errorf("reply = %s, want %s", got, want)
	}

	// Connection stays usable afterwards
	send(t, ws, `{"type":"register","pairId":"p1","role":"pc"}`)
	got = recv(t, ws)
	if got != `{"ok":true,"registered":true,"paired":false}` {
		t.Errorf("register after bad frame = %s", got)
	}
}

func TestServer_PairAndRelay(t *testing.T) {
	_, ts := newTestServer(t)

	pc := dial(t, ts)
	send(t, pc, `{"type":"register","pairId":"p1","role":"pc"}`)
	if got := recv(t, pc); got != `{"ok":true,"registered":true,"paired":false}` {
		t.Fatalf("pc ack = %s", got)
	}

	phone := dial(t, ts)
	send(t, phone, `{"type":"register","pairId":"p1","role":"phone"}`)
	if got := recv(t, phone); got != `{"ok":true,"registered":true,"paired":true}` {
		t.Fatalf("phone ack = %s", got)
	}

	// The pc is told its partner arrived
	if got := recv(t, pc); got != `{"type":"partner_connected","role":"phone"}` {
		t.Errorf("pc notification = %s", got)
	}

	// Relay phone -> pc, payload forwarded verbatim
	send(t, phone, `{"type":"relay","pairId":"p1","role":"phone","payload":{"cmd":"volume_up","step":2}}`)
	if got := recv(t, pc); got != `{"cmd":"volume_up","step":2}` {
		t.Errorf("relayed payload = %s", got)
	}

	// And back pc -> phone
	send(t, pc, `{"type":"relay","pairId":"p1","role":"pc","payload":"ok"}`)
	if got := recv(t, phone); got != `"ok"` {
		t.Errorf("relayed payload = %s", got)
	}
}

func TestServer_RelayWithoutPartner(t *testing.T) {
	_, ts := newTestServer(t)

	pc := dial(t, ts)
	send(t, pc, `{"type":"register","pairId":"p1","role":"pc"}`)
	recv(t, pc)

	send(t, pc, `{"type":"relay","pairId":"p1","role":"pc","payload":{"cmd":"play"}}`)
	got := recv(t, pc)
	want := `{"ok":false,"error":"Target phone not connected"}`
	if got != want {
		t.Errorf("reply = %s, want %s", got, want)
	}
}

func TestServer_DisconnectNotifiesPartner(t *testing.T) {
	_, ts := newTestServer(t)

	pc := dial(t, ts)
	send(t, pc, `{"type":"register","pairId":"p1","role":"pc"}`)
	recv(t, pc)

	phone := dial(t, ts)
	send(t, phone, `{"type":"register","pairId":"p1","role":"phone"}`)
	recv(t, phone)
	recv(t, pc) // partner_connected

	phone.Close()

	if got := recv(t, pc); got != `{"type":"partner_disconnected","role":"phone"}` {
		t.Errorf("pc notification = %s", got)
	}
}

func TestServer_EvictsDuplicateRole(t *testing.T) {
	_, ts := newTestServer(t)

	first := dial(t, ts)
	send(t, first, `{"type":"register","pairId":"p1","role":"pc"}`)
	recv(t, first)

	second := dial(t, ts)
	send(t, second, `{"type":"register","pairId":"p1","role":"pc"}`)
	if got := recv(t, second); got != `{"ok":true,"registered":true,"paired":false}` {
		t.Fatalf("second ack = %s", got)
	}

	// The first connection is closed by the eviction
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("first connection should be closed after eviction")
	}
}

func TestServer_Stats(t *testing.T) {
	srv, ts := newTestServer(t)

	ws := dial(t, ts)
	send(t, ws, `{"type":"register","pairId":"p1","role":"pc"}`)
	recv(t, ws)

	stats := srv.Stats()
	if stats.ActiveConnections != 1 {
		t.Errorf("ActiveConnections = %d, want 1", stats.ActiveConnections)
	}
	if stats.TotalAccepted != 1 {
		t.Errorf("TotalAccepted = %d, want 1", stats.TotalAccepted)
	}

	ws.Close()

	// Wait for the server side to notice
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.Stats().ActiveConnections == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := srv.Stats().ActiveConnections; got != 0 {
		t.Errorf("ActiveConnections after close = %d, want 0", got)
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := config.ServerConfig{
		Port:           0,
		Path:           "/ws",
		PingInterval:   5 * time.Second,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   2 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBufferSize: 16,
	}
	reg := registry.NewRegistry(registry.Config{SweepInterval: time.Minute}, nil, nil)
	srv := New(cfg, reg, nil)

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
