package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func read(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestBroadcastFiltersBySession(t *testing.T) {
	hub := NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	all := dial(t, srv, "")
	only := dial(t, srv, "?session=b")
	waitClients(t, hub, 2)

	hub.Broadcast(Event{Type: "enhance", SessionID: "a", Status: "ready"})
	hub.Broadcast(Event{Type: "enhance", SessionID: "b", Status: "failed", Fallback: true})

	if ev := read(t, all); ev.SessionID != "a" || ev.Timestamp == 0 {
		t.Errorf("first event = %+v", ev)
	}
	if ev := read(t, all); ev.SessionID != "b" {
		t.Errorf("second event = %+v", ev)
	}
	if ev := read(t, only); ev.SessionID != "b" || !ev.Fallback || ev.Status != "failed" {
		t.Errorf("filtered event = %+v", ev)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	hub := NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dial(t, srv, "")
	waitClients(t, hub, 1)
	conn.Close()
	waitClients(t, hub, 0)
}
