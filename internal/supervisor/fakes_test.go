package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cast-go-home/internal/cast"
	"cast-go-home/internal/discovery"
	"cast-go-home/internal/timer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMedia struct {
	status   *cast.MediaStatus
	onStatus func(cast.MediaStatus)
	plays    int
	pauses   int
	cmdErr   error
}

func (m *fakeMedia) OnStatus(h func(cast.MediaStatus)) { m.onStatus = h }

func (m *fakeMedia) GetStatus(ctx context.Context) (*cast.MediaStatus, error) {
	return m.status, nil
}

func (m *fakeMedia) Play(ctx context.Context) error {
	m.plays++
	return m.cmdErr
}

func (m *fakeMedia) Pause(ctx context.Context) error {
	m.pauses++
	return m.cmdErr
}

// push simulates an unsolicited media status.
func (m *fakeMedia) push(state string) {
	if m.onStatus != nil {
		m.onStatus(cast.MediaStatus{PlayerState: state})
	}
}

type fakeClient struct {
	connectErr error
	status     *cast.ReceiverStatus
	joinErr    error
	media      *fakeMedia

	host   string
	port   int
	closed bool
	joined []cast.Application
	levels []float64

	onStatus     func(cast.ReceiverStatus)
	onTimeout    func()
	onDisconnect func(error)
	onError      func(error)
}

func (c *fakeClient) Connect(ctx context.Context, host string, port int) error {
	c.host, c.port = host, port
	return c.connectErr
}

func (c *fakeClient) OnStatus(h func(cast.ReceiverStatus)) { c.onStatus = h }
func (c *fakeClient) OnTimeout(h func())                   { c.onTimeout = h }
func (c *fakeClient) OnDisconnect(h func(error))           { c.onDisconnect = h }
func (c *fakeClient) OnError(h func(error))                { c.onError = h }

func (c *fakeClient) GetStatus(ctx context.Context) (*cast.ReceiverStatus, error) {
	return c.status, nil
}

func (c *fakeClient) Join(ctx context.Context, app cast.Application) (cast.MediaSession, error) {
	c.joined = append(c.joined, app)
	if c.joinErr != nil {
		return nil, c.joinErr
	}
	return c.media, nil
}

func (c *fakeClient) SetVolume(ctx context.Context, level float64) error {
	c.levels = append(c.levels, level)
	return nil
}

func (c *fakeClient) Close() error {
	c.closed = true
	return errors.New("close failures are ignored")
}

// push simulates an unsolicited receiver status.
func (c *fakeClient) push(st cast.ReceiverStatus) {
	if c.onStatus != nil {
		c.onStatus(st)
	}
}

// fakeDialer hands out clients configured from its template fields.
type fakeDialer struct {
	connectErr  error
	status      *cast.ReceiverStatus
	joinErr     error
	mediaStatus *cast.MediaStatus

	clients []*fakeClient
}

func (d *fakeDialer) NewClient() cast.Client {
	c := &fakeClient{
		connectErr: d.connectErr,
		status:     d.status,
		joinErr:    d.joinErr,
		media:      &fakeMedia{status: d.mediaStatus},
	}
	d.clients = append(d.clients, c)
	return c
}

func (d *fakeDialer) last() *fakeClient {
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

type fakeRediscoverer struct{ restarts int }

func (r *fakeRediscoverer) Restart() { r.restarts++ }

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

type harness struct {
	t      *testing.T
	s      *Supervisor
	clock  *timer.Fake
	dialer *fakeDialer
	events *eventLog
	redisc *fakeRediscoverer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "Living Room TV"
	}
	clock := timer.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := NewEventBus(testLogger())
	log := &eventLog{}
	bus.OnAll(log.record)
	dialer := &fakeDialer{}
	s := New(cfg, dialer, clock, bus, testLogger())
	s.spawn = func(f func()) { f() }
	redisc := &fakeRediscoverer{}
	s.SetRediscoverer(redisc)
	return &harness{t: t, s: s, clock: clock, dialer: dialer, events: log, redisc: redisc}
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.s.runPending()
}

func (h *harness) found(addr string, port int) {
	h.s.DeviceFound(discovery.Announcement{Name: "Living Room", Address: addr, Port: port, DeviceType: "Chromecast", DeviceID: "dev-1"})
	h.s.runPending()
}

// call runs a blocking accessory request while pumping the loop.
func (h *harness) call(fn func() error) error {
	h.t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	deadline := time.After(2 * time.Second)
	for {
		h.s.runPending()
		select {
		case err := <-done:
			h.s.runPending()
			return err
		case <-deadline:
			h.t.Fatal("request did not complete")
			return nil
		case <-time.After(time.Millisecond):
		}
	}
}

func apps(ids ...string) *[]cast.Application {
	list := make([]cast.Application, 0, len(ids))
	for _, id := range ids {
		list = append(list, cast.Application{AppID: "CC1AD845", DisplayName: "Default Media Receiver", SessionID: id, TransportID: "transport-" + id})
	}
	return &list
}

func withLevel(st cast.ReceiverStatus, level float64) cast.ReceiverStatus {
	st.Volume = &cast.Volume{Level: &level}
	return st
}
