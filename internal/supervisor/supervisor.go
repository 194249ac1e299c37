// Package supervisor owns the lifecycle of one cast receiver: connection,
// reconnect and rediscovery, application and media session tracking, and the
// casting and volume state presented to accessories.
//
// All state lives on a single loop goroutine. Network calls run elsewhere and
// post their completions back onto the loop, so handlers never interleave.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cast-go-home/internal/cast"
	"cast-go-home/internal/discovery"
	"cast-go-home/internal/timer"
)

// ErrStopped is returned by requests made after the supervisor shut down.
var ErrStopped = errors.New("supervisor stopped")

const (
	DefaultReconnectInterval = 2 * time.Second
	DefaultMaxReconnects     = 150
	defaultOpTimeout         = 10 * time.Second
)

// Config holds supervisor configuration.
type Config struct {
	// Name is the device display name.
	Name string
	// SwitchOffDelay postpones the motion-like presentation of a stop.
	SwitchOffDelay time.Duration
	// ReconnectInterval is the fixed delay between reconnect attempts.
	ReconnectInterval time.Duration
	// MaxReconnects is the number of consecutive retries before falling back
	// to rediscovery.
	MaxReconnects int
	// OpTimeout bounds each network call.
	OpTimeout time.Duration
}

// Rediscoverer restarts discovery from scratch.
type Rediscoverer interface {
	Restart()
}

// Supervisor manages one receiver.
type Supervisor struct {
	cfg    Config
	dialer cast.Dialer
	clock  timer.Clock
	events *EventBus
	logger *slog.Logger

	q     *queue
	spawn func(func())

	// ctx bounds network calls; cancelled on shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	reconnect *timer.Slot
	motionOff *timer.Slot

	rediscoverMu sync.Mutex
	rediscover   Rediscoverer

	st          state
	transitions transitionLog

	snapshot    atomic.Pointer[Snapshot]
	history     atomic.Pointer[[]Transition]
	stopped     chan struct{}
	stoppedOnce sync.Once
}

// New creates a supervisor. Run must be called to process events.
func New(cfg Config, dialer cast.Dialer, clock timer.Clock, events *EventBus, logger *slog.Logger) *Supervisor {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:     cfg,
		dialer:  dialer,
		clock:   clock,
		events:  events,
		logger:  logger.With("component", "supervisor"),
		q:       newQueue(),
		spawn:   func(f func()) { go f() },
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	dispatch := func(f func()) { s.post(f) }
	s.reconnect = timer.NewSlot(clock, dispatch)
	s.motionOff = timer.NewSlot(clock, dispatch)
	s.st.identity.Name = cfg.Name
	s.publish()
	return s
}

// SetRediscoverer wires the discovery restart used after too many failed reconnects.
func (s *Supervisor) SetRediscoverer(r Rediscoverer) {
	s.rediscoverMu.Lock()
	s.rediscover = r
	s.rediscoverMu.Unlock()
}

// Events returns the supervisor's event bus.
func (s *Supervisor) Events() *EventBus {
	return s.events
}

// Run processes events until ctx is cancelled, then disconnects without
// reconnect intent.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.q.wake:
			s.runPending()
		}
	}
}

// runPending drains the queue, including work posted while draining.
func (s *Supervisor) runPending() int {
	n := 0
	for {
		batch := s.q.take()
		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			fn()
			n++
		}
		s.publish()
	}
}

func (s *Supervisor) shutdown() {
	s.runPending()
	s.st.stopRequested = true
	s.reconnect.Cancel()
	s.motionOff.Cancel()
	s.disconnect(false, "shutdown")
	s.runPending()
	s.q.close()
	s.publish()
	s.cancel()
	s.stoppedOnce.Do(func() { close(s.stopped) })
	s.logger.Info("supervisor stopped")
}

func (s *Supervisor) post(fn func()) bool {
	return s.q.post(fn)
}

// do runs fn on the loop and waits until it has run.
func (s *Supervisor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !s.post(func() {
		fn()
		close(done)
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}

func (s *Supervisor) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.cfg.OpTimeout)
}

// DeviceFound handles a matching discovery announcement: hard reset, then connect.
func (s *Supervisor) DeviceFound(a discovery.Announcement) {
	s.post(func() {
		s.hardReset("device found")
		s.st.identity = Identity{
			Name:       s.cfg.Name,
			Address:    a.Address,
			Port:       a.Port,
			DeviceType: a.DeviceType,
			DeviceID:   a.DeviceID,
		}
		s.st.endpoint = endpoint{host: a.Address, port: a.Port}
		s.record("device found", fmt.Sprintf("%s at %s:%d", a.Name, a.Address, a.Port))
		s.emit(EventDeviceFound, map[string]any{
			"name":        a.Name,
			"address":     a.Address,
			"port":        a.Port,
			"device_type": a.DeviceType,
			"device_id":   a.DeviceID,
		})
		s.connect()
	})
}

// DiscoveryRestarted handles the periodic discovery restart: a planned
// disconnect with no reconnect.
func (s *Supervisor) DiscoveryRestarted() {
	s.post(func() {
		s.disconnect(false, "discovery restart")
	})
}

// Resume connects to a previously known identity without waiting for
// discovery. A later discovery match still performs a hard reset.
func (s *Supervisor) Resume(id Identity) {
	if !id.Resolved() {
		return
	}
	s.post(func() {
		if s.st.client != nil || s.st.endpoint.host != "" {
			return
		}
		s.st.identity = id
		s.st.identity.Name = s.cfg.Name
		s.st.endpoint = endpoint{host: id.Address, port: id.Port}
		s.logger.Info("resuming stored device", "address", id.Address, "port", id.Port)
		s.record("resume", fmt.Sprintf("stored endpoint %s:%d", id.Address, id.Port))
		s.connect()
	})
}

// RestoreVolume seeds the last known volume level, e.g. from persistent storage.
func (s *Supervisor) RestoreVolume(level float64) {
	s.post(func() {
		s.st.volumeLevel = level
	})
}

// IsCasting returns the last known casting state. It never blocks.
func (s *Supervisor) IsCasting() bool {
	return s.Snapshot().Casting
}

// Volume returns the last known volume on a 0-100 scale. It never blocks.
func (s *Supervisor) Volume() int {
	return s.Snapshot().Volume
}

func (s *Supervisor) DeviceType() string { return s.Snapshot().Identity.DeviceType }
func (s *Supervisor) Address() string    { return s.Snapshot().Identity.Address }
func (s *Supervisor) DeviceID() string   { return s.Snapshot().Identity.DeviceID }

// Snapshot returns the most recently published state.
func (s *Supervisor) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// Transitions returns the recent transition log, oldest first.
func (s *Supervisor) Transitions() []Transition {
	if h := s.history.Load(); h != nil {
		return append([]Transition(nil), (*h)...)
	}
	return nil
}

// SetCasting requests casting on or off. The state changes optimistically;
// the play or pause command is best-effort and its outcome is not reported.
func (s *Supervisor) SetCasting(ctx context.Context, on bool) error {
	return s.do(ctx, func() { s.requestCasting(on) })
}

// SetVolume requests a volume on a 0-100 scale. It is a no-op while
// disconnected and never reports command failures.
func (s *Supervisor) SetVolume(ctx context.Context, volume int) error {
	return s.do(ctx, func() { s.requestVolume(volume) })
}

func (s *Supervisor) publish() {
	snap := Snapshot{
		Name:              s.cfg.Name,
		Identity:          s.st.identity,
		Connection:        s.st.conn,
		Casting:           s.st.casting,
		Motion:            s.st.motion,
		Volume:            displayVolume(s.st.volumeLevel),
		VolumeLevel:       s.st.volumeLevel,
		ReconnectAttempts: s.st.attempts,
		UpdatedAt:         s.clock.Now(),
	}
	if sess := s.st.session; sess != nil {
		snap.SessionID = sess.app.SessionID
		snap.AppID = sess.app.AppID
		snap.AppName = sess.app.DisplayName
		snap.MediaAttached = sess.media != nil
	}
	s.snapshot.Store(&snap)
	list := s.transitions.list()
	s.history.Store(&list)
}

func (s *Supervisor) record(cause, summary string) {
	s.transitions.add(s.clock.Now(), cause, summary)
}

func (s *Supervisor) emit(eventType string, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Emit(Event{Type: eventType, Time: s.clock.Now(), Data: data})
}
