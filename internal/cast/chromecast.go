package cast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vishen/go-chromecast/application"
	gocast "github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultCallTimeout  = 10 * time.Second

	// Consecutive timed-out polls before the channel is declared dead.
	maxPollTimeouts = 3

	senderID       = "sender-0"
	receiverID     = "receiver-0"
	namespaceConn  = "urn:x-cast:com.google.cast.tp.connection"
	namespaceRecv  = "urn:x-cast:com.google.cast.receiver"
	namespaceMedia = "urn:x-cast:com.google.cast.media"

	typeReceiverStatus = "RECEIVER_STATUS"
	typeMediaStatus    = "MEDIA_STATUS"

	// Our request ids start high so replies never match a request the
	// application helper is waiting on with its own counter.
	firstRequestID = 1 << 20
)

var errNoMedia = errors.New("no media loaded")

// ChromecastDialer creates go-chromecast backed clients.
type ChromecastDialer struct {
	// PollInterval is how often the receiver is polled for status; each poll
	// doubles as the heartbeat that detects a dead channel.
	PollInterval time.Duration
	CallTimeout  time.Duration
	Logger       *slog.Logger

	// newConn creates the transport; replaced in tests.
	newConn func() gocast.Conn
}

// NewChromecastDialer returns a dialer with default timings.
func NewChromecastDialer(logger *slog.Logger) *ChromecastDialer {
	return &ChromecastDialer{
		PollInterval: defaultPollInterval,
		CallTimeout:  defaultCallTimeout,
		Logger:       logger.With("component", "chromecast"),
	}
}

// NewClient returns an unconnected client.
func (d *ChromecastDialer) NewClient() Client {
	poll := d.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	callTimeout := d.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newConn := d.newConn
	if newConn == nil {
		newConn = func() gocast.Conn { return gocast.NewConnection() }
	}
	c := &chromecastClient{
		newConn:     newConn,
		pollEvery:   poll,
		callTimeout: callTimeout,
		logger:      logger,
		pending:     make(map[int]chan reply),
	}
	c.nextID.Store(firstRequestID)
	return c
}

// reply is a response matched to one of our requests by request id.
type reply struct {
	typ     string
	payload []byte
}

// chromecastClient speaks the receiver and media namespaces itself and uses
// the go-chromecast application only for message relay and volume. Status is
// always decoded from the raw payloads: the application's cached status keeps
// the last running app after the receiver reports none.
type chromecastClient struct {
	newConn     func() gocast.Conn
	pollEvery   time.Duration
	callTimeout time.Duration
	logger      *slog.Logger
	nextID      atomic.Int64

	// Serializes writes to the connection; it is not safe for concurrent use.
	callMu sync.Mutex

	mu           sync.Mutex
	conn         gocast.Conn
	app          *application.Application
	pending      map[int]chan reply
	status       ReceiverStatus
	onStatus     func(ReceiverStatus)
	onTimeout    func()
	onDisconnect func(error)
	onError      func(error)
	media        *chromecastMedia
	cancelPoll   context.CancelFunc
	connected    bool
	closed       bool
}

func (c *chromecastClient) Connect(ctx context.Context, host string, port int) error {
	c.logger.Debug("connecting", "host", host, "port", port)
	conn := c.newConn()
	if err := c.do(ctx, func() error { return conn.Start(host, port) }); err != nil {
		return fmt.Errorf("chromecast connect %s:%d: %w", host, port, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.app = application.NewApplication(
		application.WithConnection(conn),
		application.WithCacheDisabled(true),
		application.WithConnectionRetries(1),
	)
	c.app.AddMessageFunc(c.handleMessage)
	c.connected = true
	c.mu.Unlock()

	hdr := gocast.ConnectHeader
	if err := c.send(ctx, &hdr, receiverID, namespaceConn); err != nil {
		c.Close()
		return fmt.Errorf("chromecast connect %s:%d: %w", host, port, err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrNotConnected
	}
	c.cancelPoll = cancel
	c.mu.Unlock()
	go c.poll(pollCtx)
	return nil
}

func (c *chromecastClient) OnStatus(handler func(ReceiverStatus)) {
	c.mu.Lock()
	c.onStatus = handler
	c.mu.Unlock()
}

func (c *chromecastClient) OnTimeout(handler func()) {
	c.mu.Lock()
	c.onTimeout = handler
	c.mu.Unlock()
}

func (c *chromecastClient) OnDisconnect(handler func(error)) {
	c.mu.Lock()
	c.onDisconnect = handler
	c.mu.Unlock()
}

func (c *chromecastClient) OnError(handler func(error)) {
	c.mu.Lock()
	c.onError = handler
	c.mu.Unlock()
}

func (c *chromecastClient) GetStatus(ctx context.Context) (*ReceiverStatus, error) {
	if !c.isConnected() {
		return nil, ErrNotConnected
	}
	hdr := gocast.GetStatusHeader
	payload, err := c.request(ctx, &hdr, receiverID, namespaceRecv, typeReceiverStatus)
	if err != nil {
		return nil, fmt.Errorf("receiver status: %w", err)
	}
	st, err := decodeReceiverStatus(payload)
	if err != nil {
		return nil, fmt.Errorf("receiver status: %w", err)
	}
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
	return &st, nil
}

// Join attaches to the media channel of target. Media traffic is addressed to
// target.TransportID, which the caller may have aliased to the session id.
func (c *chromecastClient) Join(ctx context.Context, target Application) (MediaSession, error) {
	if !c.isConnected() {
		return nil, ErrNotConnected
	}
	if target.TransportID == "" {
		return nil, fmt.Errorf("join session %s: missing transport id", target.SessionID)
	}

	c.mu.Lock()
	running := c.status.hasSession(target.SessionID)
	c.mu.Unlock()
	if !running {
		return nil, fmt.Errorf("join session %s: %w", target.SessionID, ErrSessionGone)
	}

	hdr := gocast.ConnectHeader
	if err := c.send(ctx, &hdr, target.TransportID, namespaceConn); err != nil {
		return nil, fmt.Errorf("join session %s: %w", target.SessionID, err)
	}

	m := &chromecastMedia{client: c, sessionID: target.SessionID, transportID: target.TransportID}
	c.mu.Lock()
	c.media = m
	c.mu.Unlock()
	return m, nil
}

func (c *chromecastClient) SetVolume(ctx context.Context, level float64) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	c.mu.Lock()
	app := c.app
	c.mu.Unlock()
	return c.do(ctx, func() error { return app.SetVolume(float32(level)) })
}

func (c *chromecastClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasConnected := c.connected
	c.connected = false
	if c.cancelPoll != nil {
		c.cancelPoll()
	}
	c.media = nil
	app := c.app
	c.mu.Unlock()

	if !wasConnected || app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()
	return c.do(ctx, func() error { return app.Close(false) })
}

func (c *chromecastClient) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

// send writes one message without waiting for a reply.
func (c *chromecastClient) send(ctx context.Context, payload gocast.Payload, dest, namespace string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	id := int(c.nextID.Add(1))
	payload.SetRequestId(id)
	return c.do(ctx, func() error {
		return conn.Send(id, payload, senderID, dest, namespace)
	})
}

// request sends payload and waits for the reply carrying its request id.
func (c *chromecastClient) request(ctx context.Context, payload gocast.Payload, dest, namespace, want string) ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	// Register before sending so a fast reply is never missed.
	id := int(c.nextID.Add(1))
	ch := make(chan reply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload.SetRequestId(id)
	err := c.do(ctx, func() error {
		return conn.Send(id, payload, senderID, dest, namespace)
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		if r.typ != want {
			return nil, fmt.Errorf("unexpected %s reply to %s request", r.typ, want)
		}
		return r.payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleMessage receives every message the application relays. Replies go to
// their waiting request; everything else is an unsolicited push.
func (c *chromecastClient) handleMessage(msg *pb.CastMessage) {
	payload := []byte(msg.GetPayloadUtf8())
	var hdr struct {
		Type      string `json:"type"`
		RequestID int    `json:"requestId"`
	}
	if err := json.Unmarshal(payload, &hdr); err != nil {
		c.logger.Debug("undecodable message", "namespace", msg.GetNamespace(), "err", err)
		return
	}

	if hdr.RequestID != 0 {
		c.mu.Lock()
		ch, ok := c.pending[hdr.RequestID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- reply{typ: hdr.Type, payload: payload}:
			default:
			}
			return
		}
	}

	switch hdr.Type {
	case typeReceiverStatus:
		st, err := decodeReceiverStatus(payload)
		if err != nil {
			c.logger.Debug("bad receiver status", "err", err)
			return
		}
		c.mu.Lock()
		c.status = st
		c.mu.Unlock()
		c.emitStatus(st)
	case typeMediaStatus:
		c.mu.Lock()
		m := c.media
		c.mu.Unlock()
		if m == nil || msg.GetSourceId() != m.transportID {
			return
		}
		ms, err := decodeMediaStatus(payload)
		if err != nil {
			c.logger.Debug("bad media status", "err", err)
			return
		}
		if ms != nil {
			m.update(*ms)
			m.emit(*ms)
		}
	}
}

// poll queries receiver status on a fixed interval and converts failures
// into timeout, error and disconnect notifications.
func (c *chromecastClient) poll(ctx context.Context) {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	timeouts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		st, err := c.GetStatus(callCtx)
		if ctx.Err() != nil {
			cancel()
			return
		}

		if err != nil {
			cancel()
			if isTimeoutError(err) {
				timeouts++
				c.logger.Debug("status poll timed out", "consecutive", timeouts)
				c.emitTimeout()
				if timeouts >= maxPollTimeouts {
					c.emitDisconnect(err)
					return
				}
				continue
			}
			c.emitError(err)
			return
		}

		timeouts = 0
		c.emitStatus(*st)
		c.pollMedia(callCtx, *st)
		cancel()
	}
}

func (c *chromecastClient) pollMedia(ctx context.Context, st ReceiverStatus) {
	c.mu.Lock()
	m := c.media
	c.mu.Unlock()
	if m == nil || !st.hasSession(m.sessionID) {
		return
	}
	ms, err := m.GetStatus(ctx)
	if err != nil {
		c.logger.Debug("media poll failed", "session", m.sessionID, "err", err)
		return
	}
	if ms != nil {
		m.emit(*ms)
	}
}

func (c *chromecastClient) emitStatus(st ReceiverStatus) {
	c.mu.Lock()
	h := c.onStatus
	c.mu.Unlock()
	if h != nil {
		h(st)
	}
}

func (c *chromecastClient) emitTimeout() {
	c.mu.Lock()
	h := c.onTimeout
	c.mu.Unlock()
	if h != nil {
		h()
	}
}

func (c *chromecastClient) emitDisconnect(err error) {
	c.mu.Lock()
	h := c.onDisconnect
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (c *chromecastClient) emitError(err error) {
	c.mu.Lock()
	h := c.onError
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// do runs fn with exclusive access to the connection, giving up when ctx ends.
func (c *chromecastClient) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	go func() {
		c.callMu.Lock()
		defer c.callMu.Unlock()
		errCh <- fn()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type chromecastMedia struct {
	client      *chromecastClient
	sessionID   string
	transportID string

	mu             sync.Mutex
	onStatus       func(MediaStatus)
	mediaSessionID int
}

func (m *chromecastMedia) OnStatus(handler func(MediaStatus)) {
	m.mu.Lock()
	m.onStatus = handler
	m.mu.Unlock()
}

func (m *chromecastMedia) GetStatus(ctx context.Context) (*MediaStatus, error) {
	if !m.client.isConnected() {
		return nil, ErrNotConnected
	}
	hdr := gocast.GetStatusHeader
	payload, err := m.client.request(ctx, &hdr, m.transportID, namespaceMedia, typeMediaStatus)
	if err != nil {
		return nil, fmt.Errorf("media status: %w", err)
	}
	ms, err := decodeMediaStatus(payload)
	if err != nil {
		return nil, fmt.Errorf("media status: %w", err)
	}
	if ms != nil {
		m.update(*ms)
	}
	return ms, nil
}

func (m *chromecastMedia) Play(ctx context.Context) error {
	return m.command(ctx, gocast.PlayHeader)
}

func (m *chromecastMedia) Pause(ctx context.Context) error {
	return m.command(ctx, gocast.PauseHeader)
}

func (m *chromecastMedia) command(ctx context.Context, hdr gocast.PayloadHeader) error {
	if !m.client.isConnected() {
		return ErrNotConnected
	}
	m.mu.Lock()
	id := m.mediaSessionID
	m.mu.Unlock()
	if id == 0 {
		return fmt.Errorf("%s session %s: %w", hdr.Type, m.sessionID, errNoMedia)
	}
	return m.client.send(ctx, &gocast.MediaHeader{
		PayloadHeader:  hdr,
		MediaSessionId: id,
	}, m.transportID, namespaceMedia)
}

func (m *chromecastMedia) update(ms MediaStatus) {
	if ms.MediaSessionID == 0 {
		return
	}
	m.mu.Lock()
	m.mediaSessionID = ms.MediaSessionID
	m.mu.Unlock()
}

func (m *chromecastMedia) emit(st MediaStatus) {
	m.mu.Lock()
	h := m.onStatus
	m.mu.Unlock()
	if h != nil {
		h(st)
	}
}

// decodeReceiverStatus decodes a RECEIVER_STATUS payload. The application
// list is kept as a pointer so an absent field stays distinct from an empty one.
func decodeReceiverStatus(payload []byte) (ReceiverStatus, error) {
	var resp struct {
		Status ReceiverStatus `json:"status"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return ReceiverStatus{}, fmt.Errorf("decode receiver status: %w", err)
	}
	return resp.Status, nil
}

// decodeMediaStatus decodes a MEDIA_STATUS payload. It returns nil when the
// session has no media loaded.
func decodeMediaStatus(payload []byte) (*MediaStatus, error) {
	var resp struct {
		Status []MediaStatus `json:"status"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode media status: %w", err)
	}
	if len(resp.Status) == 0 {
		return nil, nil
	}
	return &resp.Status[0], nil
}

// isTimeoutError reports whether err is a deadline or network timeout.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ Dialer = (*ChromecastDialer)(nil)
