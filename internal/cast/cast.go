// Package cast defines the control-channel contract the supervisor needs from
// a streaming receiver, and its implementation on top of go-chromecast.
package cast

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotConnected is returned by operations on a closed or never-connected client.
	ErrNotConnected = errors.New("not connected")
	// ErrSessionGone is returned by Join when the application it targets is no longer running.
	ErrSessionGone = errors.New("application session no longer running")
)

// Player states reported in media status pushes.
const (
	PlayerStatePlaying   = "PLAYING"
	PlayerStateBuffering = "BUFFERING"
	PlayerStatePaused    = "PAUSED"
	PlayerStateIdle      = "IDLE"
)

// Application is one entry of the receiver's running application list.
type Application struct {
	AppID        string `json:"appId"`
	DisplayName  string `json:"displayName,omitempty"`
	SessionID    string `json:"sessionId"`
	TransportID  string `json:"transportId,omitempty"`
	StatusText   string `json:"statusText,omitempty"`
	IsIdleScreen bool   `json:"isIdleScreen,omitempty"`
}

// Volume is the receiver-level audio state. Fields are nil when not reported.
type Volume struct {
	Level *float64 `json:"level,omitempty"`
	Muted *bool    `json:"muted,omitempty"`
}

// ReceiverStatus is a device-level status push.
// A nil Applications means the field was absent, which is not the same as an
// empty list: absence signals that the device stopped casting outright.
type ReceiverStatus struct {
	Applications *[]Application `json:"applications,omitempty"`
	Volume       *Volume        `json:"volume,omitempty"`
}

// FirstApplication returns the first running application, if any.
func (s ReceiverStatus) FirstApplication() (Application, bool) {
	if s.Applications == nil || len(*s.Applications) == 0 {
		return Application{}, false
	}
	return (*s.Applications)[0], true
}

// ApplicationsAbsent reports whether the application list field was missing.
func (s ReceiverStatus) ApplicationsAbsent() bool {
	return s.Applications == nil
}

func (s ReceiverStatus) hasSession(sessionID string) bool {
	if s.Applications == nil {
		return false
	}
	for _, app := range *s.Applications {
		if app.SessionID == sessionID {
			return true
		}
	}
	return false
}

// VolumeLevel returns the reported fractional volume level.
func (s ReceiverStatus) VolumeLevel() (float64, bool) {
	if s.Volume == nil || s.Volume.Level == nil {
		return 0, false
	}
	return *s.Volume.Level, true
}

// MediaStatus is a status push from an attached media session.
type MediaStatus struct {
	MediaSessionID int    `json:"mediaSessionId,omitempty"`
	PlayerState    string `json:"playerState"`
	IdleReason     string `json:"idleReason,omitempty"`
}

// Active reports whether the player state means playback is running or about to.
func (m MediaStatus) Active() bool {
	switch strings.ToUpper(m.PlayerState) {
	case PlayerStatePlaying, PlayerStateBuffering:
		return true
	default:
		return false
	}
}

// Client is one control channel to a receiver. A Client is used for a single
// connection; after a disconnect the supervisor discards it and dials a new one.
// Handlers may be registered at any time; events raised before registration are dropped.
type Client interface {
	Connect(ctx context.Context, host string, port int) error

	// Transport timeout: observational, the connection may still be alive.
	OnTimeout(handler func())
	// Transport-level disconnect.
	OnDisconnect(handler func(error))
	// Fatal protocol error.
	OnError(handler func(error))
	// Unsolicited device status pushes.
	OnStatus(handler func(ReceiverStatus))

	GetStatus(ctx context.Context) (*ReceiverStatus, error)
	Join(ctx context.Context, app Application) (MediaSession, error)
	SetVolume(ctx context.Context, level float64) error
	Close() error
}

// MediaSession is the playback control surface nested in an application session.
type MediaSession interface {
	OnStatus(handler func(MediaStatus))
	// GetStatus returns nil when the application has no media loaded.
	GetStatus(ctx context.Context) (*MediaStatus, error)
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
}

// Dialer creates fresh Clients.
type Dialer interface {
	NewClient() Client
}
