package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cast-go-home/internal/store"
	"cast-go-home/internal/supervisor"
)

type fakeAccessory struct {
	mu          sync.Mutex
	snap        supervisor.Snapshot
	transitions []supervisor.Transition
	bus         *supervisor.EventBus
	err         error
	castingReqs []bool
	volumeReqs  []int
}

func newFakeAccessory() *fakeAccessory {
	return &fakeAccessory{
		snap: supervisor.Snapshot{Name: "Living Room", Connection: supervisor.Connected, Volume: 30},
		bus:  supervisor.NewEventBus(testLogger()),
	}
}

func (f *fakeAccessory) Snapshot() supervisor.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeAccessory) Transitions() []supervisor.Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitions
}

func (f *fakeAccessory) SetCasting(_ context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.castingReqs = append(f.castingReqs, on)
	f.snap.Casting = on
	return nil
}

func (f *fakeAccessory) SetVolume(_ context.Context, v int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.volumeReqs = append(f.volumeReqs, v)
	f.snap.Volume = v
	return nil
}

func (f *fakeAccessory) Events() *supervisor.EventBus { return f.bus }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *fakeAccessory) {
	t.Helper()
	acc := newFakeAccessory()
	srv := NewServer(acc, testLogger(), opts...)
	t.Cleanup(srv.Stop)
	return srv, acc
}

func doRequest(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAPIStatus(t *testing.T) {
	srv, acc := setupTestServer(t)
	acc.snap.Casting = true
	acc.snap.AppName = "YouTube"

	w := doRequest(t, srv, "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["connection"] != "connected" || got["casting"] != true || got["app_name"] != "YouTube" || got["volume"] != float64(30) {
		t.Errorf("status body = %v", got)
	}
}

func TestAPISetCasting(t *testing.T) {
	srv, acc := setupTestServer(t)

	w := doRequest(t, srv, "POST", "/api/casting", `{"on":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if len(acc.castingReqs) != 1 || !acc.castingReqs[0] {
		t.Errorf("casting requests = %v", acc.castingReqs)
	}

	var snap supervisor.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if !snap.Casting {
		t.Error("response snapshot not casting")
	}
}

func TestAPISetCastingValidation(t *testing.T) {
	srv, acc := setupTestServer(t)

	for _, body := range []string{`{}`, `not json`, `{"on":"yes"}`} {
		if w := doRequest(t, srv, "POST", "/api/casting", body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, w.Code)
		}
	}
	if len(acc.castingReqs) != 0 {
		t.Errorf("unexpected requests %v", acc.castingReqs)
	}
}

func TestAPISetCastingStopped(t *testing.T) {
	srv, acc := setupTestServer(t)
	acc.err = supervisor.ErrStopped

	w := doRequest(t, srv, "POST", "/api/casting", `{"on":false}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestAPISetVolume(t *testing.T) {
	srv, acc := setupTestServer(t)

	tests := []struct {
		body string
		want int
	}{
		{`{"volume":0}`, http.StatusOK},
		{`{"volume":57}`, http.StatusOK},
		{`{"volume":100}`, http.StatusOK},
		{`{"volume":101}`, http.StatusBadRequest},
		{`{"volume":-1}`, http.StatusBadRequest},
		{`{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := doRequest(t, srv, "POST", "/api/volume", tt.body); w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.body, w.Code, tt.want)
		}
	}
	if got := fmt.Sprint(acc.volumeReqs); got != "[0 57 100]" {
		t.Errorf("volume requests = %s, want [0 57 100]", got)
	}
}

func TestAPITransitions(t *testing.T) {
	srv, acc := setupTestServer(t)

	w := doRequest(t, srv, "GET", "/api/transitions", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty transitions body = %q", w.Body)
	}

	acc.transitions = []supervisor.Transition{
		{Seq: 1, Cause: "device found", Summary: "connecting"},
		{Seq: 2, Cause: "connected", Summary: "connected"},
	}
	w = doRequest(t, srv, "GET", "/api/transitions", "")
	var got []supervisor.Transition
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Cause != "connected" {
		t.Errorf("transitions = %+v", got)
	}
}

func TestAPIHistory(t *testing.T) {
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := db.AppendHistory(&store.HistoryEntry{
			Type: supervisor.EventVolumeChanged,
			Time: base.Add(time.Duration(i) * time.Second),
			Data: map[string]any{"volume": float64(i * 10)},
		}); err != nil {
			t.Fatal(err)
		}
	}

	srv, _ := setupTestServer(t, WithHistory(db))

	w := doRequest(t, srv, "GET", "/api/history?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got []store.HistoryEntry
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Data["volume"] != float64(40) {
		t.Errorf("history = %+v", got)
	}

	if w := doRequest(t, srv, "GET", "/api/history?limit=abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
}

func TestAPIHistoryWithoutStore(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := doRequest(t, srv, "GET", "/api/history", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("status = %d body = %q", w.Code, w.Body)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, WithVersion("1.2.3"))
	w := doRequest(t, srv, "GET", "/api/version", "")
	if !strings.Contains(w.Body.String(), `"1.2.3"`) {
		t.Errorf("body = %s", w.Body)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret-key"))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"header", "/api/status", "secret-key", http.StatusOK},
		{"query param", "/api/status?api_key=secret-key", "", http.StatusOK},
		{"missing", "/api/status", "", http.StatusUnauthorized},
		{"wrong", "/api/status", "wrong-key", http.StatusUnauthorized},
		{"ws without key", "/ws", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestOriginChecks(t *testing.T) {
	srv, acc := setupTestServer(t, WithAllowedOrigins([]string{"http://hass.local"}))

	post := func(origin string) int {
		req := httptest.NewRequest("POST", "/api/casting", bytes.NewBufferString(`{"on":true}`))
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		return w.Code
	}
	if code := post("http://evil.example"); code != http.StatusForbidden {
		t.Errorf("foreign origin status = %d, want 403", code)
	}
	if len(acc.castingReqs) != 0 {
		t.Fatal("foreign origin reached the supervisor")
	}
	if code := post("http://hass.local"); code != http.StatusOK {
		t.Errorf("allowed origin status = %d, want 200", code)
	}

	req := httptest.NewRequest("OPTIONS", "/api/volume", nil)
	req.Header.Set("Origin", "http://hass.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://hass.local" {
		t.Errorf("preflight = %d %v", w.Code, w.Header())
	}
}

func TestEventsReachHub(t *testing.T) {
	srv, acc := setupTestServer(t)

	client := &wsClient{send: make(chan []byte, 4)}
	srv.wsHub.register <- client

	acc.bus.Emit(supervisor.Event{Type: supervisor.EventSwitchState, Data: map[string]any{"on": true}})

	select {
	case msg := <-client.send:
		var ev supervisor.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type != supervisor.EventSwitchState || ev.Data["on"] != true {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event not broadcast")
	}
}

func TestServerStopUnsubscribes(t *testing.T) {
	acc := newFakeAccessory()
	srv := NewServer(acc, testLogger())
	srv.Stop()

	// Emitting after Stop must not block or panic on the stopped hub.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			acc.bus.Emit(supervisor.Event{Type: supervisor.EventMotionState})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked after Stop")
	}
}
