package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"cast-go-home/internal/supervisor"
)

func newTestHub() *WSHub {
	return NewWSHub(testLogger())
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client

	// Give hub time to process
	time.Sleep(10 * time.Millisecond)

	if count := hub.Count(); count != 1 {
		t.Errorf("after register: count = %d, want 1", count)
	}

	hub.unregister <- client

	time.Sleep(10 * time.Millisecond)

	if count := hub.Count(); count != 0 {
		t.Errorf("after unregister: count = %d, want 0", count)
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}

	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(supervisor.Event{Type: supervisor.EventMotionState, Data: map[string]any{"motion": true}})
	time.Sleep(10 * time.Millisecond)

	select {
	case msg := <-c1.send:
		if len(msg) == 0 {
			t.Error("c1 received empty message")
		}
	default:
		t.Error("c1 did not receive broadcast")
	}

	select {
	case msg := <-c2.send:
		if len(msg) == 0 {
			t.Error("c2 received empty message")
		}
	default:
		t.Error("c2 did not receive broadcast")
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	// Create a client with a tiny buffer that will fill up
	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}

	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	// Fill slow client's buffer
	hub.Broadcast("msg1")
	time.Sleep(10 * time.Millisecond)

	// Second message should evict the slow client (buffer full, can't receive)
	hub.Broadcast("msg2")
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	// Fill the broadcast channel
	for i := 0; i < 256; i++ {
		hub.Broadcast(i)
	}

	// This should not block; it should drop
	done := make(chan struct{})
	go func() {
		hub.Broadcast("overflow")
		close(done)
	}()

	select {
	case <-done:
		// Good, didn't block
	case <-time.After(1 * time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	// First stop
	hub.Stop()

	// Second stop should not panic
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	// send channel should be closed
	_, ok := <-client.send
	if ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestWSHubUnregisterNonExistentClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	// Unregistering a client that was never registered should not panic
	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	time.Sleep(10 * time.Millisecond)

	// Channel should NOT be closed since client was never registered
	select {
	case unknown.send <- []byte("test"):
		// Good, channel still open
	default:
		t.Error("channel should still be open for non-registered client")
	}
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) supervisor.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev supervisor.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

func TestWSStreamsSnapshotThenEvents(t *testing.T) {
	srv, acc := setupTestServer(t)
	acc.snap.Casting = true

	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readEvent(t, ctx, conn)
	if hello.Type != wsSnapshotType {
		t.Fatalf("first frame type = %q, want %q", hello.Type, wsSnapshotType)
	}
	snap, _ := hello.Data["snapshot"].(map[string]any)
	if snap["casting"] != true || snap["name"] != "Living Room" {
		t.Errorf("snapshot = %v", hello.Data)
	}

	// The write pump only starts after registration, so the client is
	// already in the hub once the snapshot arrives.
	if n := srv.wsHub.Count(); n != 1 {
		t.Fatalf("hub clients = %d, want 1", n)
	}

	acc.bus.Emit(supervisor.Event{Type: supervisor.EventVolumeChanged, Data: map[string]any{"volume": 42}})
	ev := readEvent(t, ctx, conn)
	if ev.Type != supervisor.EventVolumeChanged || ev.Data["volume"] != float64(42) {
		t.Errorf("event = %+v", ev)
	}
}
