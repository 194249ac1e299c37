package supervisor

import (
	"fmt"
	"math"
	"time"

	"cast-go-home/internal/cast"
)

// ConnState is the lifecycle state of the control channel.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (c ConnState) String() string {
	switch c {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (c ConnState) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ConnState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "disconnected":
		*c = Disconnected
	case "connecting":
		*c = Connecting
	case "connected":
		*c = Connected
	default:
		return fmt.Errorf("unknown connection state %q", text)
	}
	return nil
}

// Identity is the resolved network identity of the target device.
type Identity struct {
	Name       string `json:"name"`
	Address    string `json:"address,omitempty"`
	Port       int    `json:"port,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
}

// Resolved reports whether the identity carries a usable endpoint.
func (id Identity) Resolved() bool {
	return id.Address != "" && id.Port > 0
}

// Snapshot is an immutable copy of the externally visible state, republished
// after every handled event.
type Snapshot struct {
	Name              string    `json:"name"`
	Identity          Identity  `json:"identity"`
	Connection        ConnState `json:"connection"`
	SessionID         string    `json:"session_id,omitempty"`
	AppID             string    `json:"app_id,omitempty"`
	AppName           string    `json:"app_name,omitempty"`
	MediaAttached     bool      `json:"media_attached"`
	Casting           bool      `json:"casting"`
	Motion            bool      `json:"motion"`
	Volume            int       `json:"volume"`
	VolumeLevel       float64   `json:"volume_level"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Transition is one entry of the state transition log.
type Transition struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Cause   string    `json:"cause"`
	Summary string    `json:"summary"`
}

const transitionLogSize = 256

// transitionLog keeps the most recent transitions in a ring.
type transitionLog struct {
	entries []Transition
	next    int
	seq     uint64
}

func (l *transitionLog) add(at time.Time, cause, summary string) Transition {
	l.seq++
	t := Transition{Seq: l.seq, Time: at, Cause: cause, Summary: summary}
	if len(l.entries) < transitionLogSize {
		l.entries = append(l.entries, t)
		return t
	}
	l.entries[l.next] = t
	l.next = (l.next + 1) % transitionLogSize
	return t
}

// list returns entries oldest first.
func (l *transitionLog) list() []Transition {
	out := make([]Transition, 0, len(l.entries))
	if len(l.entries) < transitionLogSize {
		return append(out, l.entries...)
	}
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// appSession is the tracked application session. It is replaced, never
// mutated, when the session id changes; only the media handle is attached later.
type appSession struct {
	app   cast.Application
	media cast.MediaSession
}

type endpoint struct {
	host string
	port int
}

// state is owned by the supervisor loop. Nothing else reads or writes it.
type state struct {
	identity Identity
	// last endpoint connected to; kept across disconnects so timed retries
	// know where to go after the published identity was cleared
	endpoint endpoint

	conn   ConnState
	client cast.Client
	// bumped whenever the client is replaced or torn down; callbacks from an
	// older epoch are discarded
	epoch uint64

	session *appSession

	attempts      int
	stopRequested bool

	casting     bool
	motion      bool
	volumeLevel float64
}

// displayVolume maps a fractional level onto 0-100 with floor semantics. The
// epsilon keeps x/100 round-tripping to x despite binary float error.
func displayVolume(level float64) int {
	v := int(math.Floor(level*100 + 1e-9))
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
