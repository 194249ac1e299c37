package cast

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestMediaStatusActive(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{"PLAYING", true},
		{"BUFFERING", true},
		{"playing", true},
		{"PAUSED", false},
		{"IDLE", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			if got := (MediaStatus{PlayerState: tt.state}).Active(); got != tt.want {
				t.Errorf("Active(%q) = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestReceiverStatusAccessors(t *testing.T) {
	var absent ReceiverStatus
	if !absent.ApplicationsAbsent() {
		t.Error("nil list should be absent")
	}
	if _, ok := absent.FirstApplication(); ok {
		t.Error("absent list has no first application")
	}
	if _, ok := absent.VolumeLevel(); ok {
		t.Error("absent volume reported a level")
	}

	empty := []Application{}
	st := ReceiverStatus{Applications: &empty}
	if st.ApplicationsAbsent() {
		t.Error("empty list is present, not absent")
	}
	if _, ok := st.FirstApplication(); ok {
		t.Error("empty list has no first application")
	}

	level := 0.25
	apps := []Application{{AppID: "A", SessionID: "s1"}, {AppID: "B", SessionID: "s2"}}
	st = ReceiverStatus{Applications: &apps, Volume: &Volume{Level: &level}}
	first, ok := st.FirstApplication()
	if !ok || first.SessionID != "s1" {
		t.Errorf("FirstApplication = %+v, %v", first, ok)
	}
	if got, ok := st.VolumeLevel(); !ok || got != 0.25 {
		t.Errorf("VolumeLevel = %v, %v", got, ok)
	}
}

func TestDecodeReceiverStatus(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		absent    bool
		wantApp   string
		wantLevel float64
	}{
		{
			name:    "running app",
			payload: `{"type":"RECEIVER_STATUS","status":{"applications":[{"appId":"CC1AD845","sessionId":"s1","transportId":"t1"}],"volume":{"level":0.5,"muted":false}}}`,
			wantApp: "s1", wantLevel: 0.5,
		},
		{
			name:    "applications absent",
			payload: `{"type":"RECEIVER_STATUS","status":{"volume":{"level":0.3}}}`,
			absent:  true, wantLevel: 0.3,
		},
		{
			name:    "applications empty",
			payload: `{"type":"RECEIVER_STATUS","status":{"applications":[]}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := decodeReceiverStatus([]byte(tt.payload))
			if err != nil {
				t.Fatal(err)
			}
			if st.ApplicationsAbsent() != tt.absent {
				t.Errorf("ApplicationsAbsent() = %v, want %v", st.ApplicationsAbsent(), tt.absent)
			}
			app, ok := st.FirstApplication()
			if ok != (tt.wantApp != "") || app.SessionID != tt.wantApp {
				t.Errorf("FirstApplication() = %+v, %v", app, ok)
			}
			level, _ := st.VolumeLevel()
			if level != tt.wantLevel {
				t.Errorf("level = %v, want %v", level, tt.wantLevel)
			}
		})
	}

	if _, err := decodeReceiverStatus([]byte(`{`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestDecodeMediaStatus(t *testing.T) {
	ms, err := decodeMediaStatus([]byte(`{"type":"MEDIA_STATUS","status":[{"mediaSessionId":3,"playerState":"BUFFERING"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if ms == nil || !ms.Active() || ms.MediaSessionID != 3 {
		t.Errorf("media status = %+v", ms)
	}

	ms, err = decodeMediaStatus([]byte(`{"type":"MEDIA_STATUS","status":[]}`))
	if err != nil || ms != nil {
		t.Errorf("empty status = %+v, %v; want nil, nil", ms, err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTimeoutError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("status: %w", context.DeadlineExceeded), true},
		{"net timeout", timeoutErr{}, true},
		{"other", errors.New("connection reset"), false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTimeoutError(tt.err); got != tt.want {
				t.Errorf("isTimeoutError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClosedClientRejectsCalls(t *testing.T) {
	c := &chromecastClient{callTimeout: defaultCallTimeout}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on unconnected client: %v", err)
	}
	ctx := context.Background()
	if _, err := c.GetStatus(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("GetStatus err = %v, want ErrNotConnected", err)
	}
	if err := c.SetVolume(ctx, 0.3); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetVolume err = %v, want ErrNotConnected", err)
	}
	if _, err := c.Join(ctx, Application{SessionID: "x", TransportID: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Join err = %v, want ErrNotConnected", err)
	}
}
