package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"aiwisper/internal/scheduler"
)

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(hub)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial failed: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestBroadcastDeliversEventToConnectedClient(t *testing.T) {
	hub := NewHub(nil)
	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	// give the server goroutine a moment to register the client
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 connected client, got %d", hub.ClientCount())
	}

	hub.Broadcast(scheduler.Event{Kind: scheduler.EventQueued, ID: "task-1", Position: 1})

	var evt scheduler.Event
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("failed to read broadcast event: %v", err)
	}
	if evt.ID != "task-1" || evt.Kind != scheduler.EventQueued {
		t.Errorf("unexpected event: %+v", evt)
	}
}

func TestBroadcastWithNoClientsIsANoop(t *testing.T) {
	hub := NewHub(nil)
	hub.Broadcast(scheduler.Event{Kind: scheduler.EventStarted, ID: "task-2"})
}

func TestClientCountDropsAfterDisconnect(t *testing.T) {
	hub := NewHub(nil)
	conn, cleanup := dialHub(t, hub)

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	conn.Close()

	deadline = time.Now().Add(time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected client count to drop to 0 after disconnect, got %d", hub.ClientCount())
	}
	cleanup()
}
