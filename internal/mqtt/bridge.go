//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"cast-go-home/internal/supervisor"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
	// Cleanup removes the HA discovery entries on Stop.
	Cleanup bool
}

// Accessory is the receiver state and control surface the bridge exposes.
type Accessory interface {
	Snapshot() supervisor.Snapshot
	SetCasting(ctx context.Context, on bool) error
	SetVolume(ctx context.Context, volume int) error
	Events() *supervisor.EventBus
}

// Bridge exposes the receiver to Home Assistant over MQTT.
type Bridge struct {
	client  pahomqtt.Client
	acc     Accessory
	prefix  string
	cleanup bool
	logger  *slog.Logger
	unsub   func()
	ctx     context.Context
	cancel  context.CancelFunc

	// publishFn sends a message; replaced in tests.
	publishFn func(topic string, payload []byte, retained bool)

	// Accumulated state published as one JSON document.
	mu    sync.Mutex
	state map[string]any
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(acc Accessory, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(acc, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "cast-go-home"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishDiscovery()
			b.publishSnapshot()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	b.publishFn = b.pahoPublish

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(acc Accessory, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		acc:     acc,
		prefix:  cfg.TopicPrefix,
		cleanup: cfg.Cleanup,
		logger:  logger.With("component", "mqtt"),
		ctx:     ctx,
		cancel:  cancel,
		state:   make(map[string]any),
	}
}

// Start subscribes to supervisor events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.acc.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishAvailability(false)
	if b.cleanup {
		for _, msg := range buildRemoveDiscovery(b.acc.Snapshot().Name) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) topics() topics {
	return deviceTopics(b.prefix, b.acc.Snapshot().Name)
}

func (b *Bridge) handleEvent(event supervisor.Event) {
	switch event.Type {
	case supervisor.EventSwitchState:
		on, _ := event.Data["on"].(bool)
		b.updateAndPublishState("state", onOff(on))
	case supervisor.EventMotionState:
		detected, _ := event.Data["motion"].(bool)
		b.updateAndPublishState("motion", onOff(detected))
	case supervisor.EventVolumeChanged:
		if v, ok := event.Data["volume"].(int); ok {
			b.updateAndPublishState("volume", v)
		}
	case supervisor.EventConnectionState:
		state, _ := event.Data["state"].(string)
		b.publishAvailability(state == supervisor.Connected.String())
	case supervisor.EventDeviceFound:
		// Model and device id are only known after discovery, and the
		// snapshot is republished after this handler returns.
		snap := b.acc.Snapshot()
		snap.Identity.DeviceType, _ = event.Data["device_type"].(string)
		snap.Identity.DeviceID, _ = event.Data["device_id"].(string)
		b.publishDiscoveryFor(snap)
	}
}

func (b *Bridge) updateAndPublishState(prop string, value any) {
	b.mu.Lock()
	b.state[prop] = value
	payload := mustJSON(b.state)
	b.mu.Unlock()

	b.publish(b.topics().state, payload, true)
}

// publishSnapshot seeds the accumulated state from the current snapshot.
func (b *Bridge) publishSnapshot() {
	snap := b.acc.Snapshot()
	b.mu.Lock()
	b.state["state"] = onOff(snap.Casting)
	b.state["motion"] = onOff(snap.Motion)
	b.state["volume"] = snap.Volume
	payload := mustJSON(b.state)
	b.mu.Unlock()

	b.publish(b.topics().state, payload, true)
	b.publishAvailability(snap.Connection == supervisor.Connected)
}

func (b *Bridge) publishAvailability(online bool) {
	payload := "offline"
	if online {
		payload = "online"
	}
	b.publish(b.topics().availability, []byte(payload), true)
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) publishDiscovery() {
	b.publishDiscoveryFor(b.acc.Snapshot())
}

func (b *Bridge) publishDiscoveryFor(snap supervisor.Snapshot) {
	for _, msg := range buildDiscovery(snap, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "name", snap.Name, "model", snap.Identity.DeviceType)
}

func (b *Bridge) subscribeCommands() {
	topic := b.topics().command
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})
}

// command is a decoded /set payload. Nil fields were not present.
type command struct {
	State  *string
	Volume *int
}

// parseCommand accepts a JSON object ({"state":"ON","volume":30}) or a bare
// ON/OFF/TOGGLE payload.
func parseCommand(payload []byte) (command, error) {
	var cmd command
	raw := strings.TrimSpace(string(payload))
	switch strings.ToUpper(raw) {
	case "ON", "OFF", "TOGGLE":
		s := strings.ToUpper(raw)
		cmd.State = &s
		return cmd, nil
	}

	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return cmd, fmt.Errorf("invalid command: %w", err)
	}
	if s, ok := m["state"].(string); ok {
		s = strings.ToUpper(s)
		cmd.State = &s
	}
	if v, ok := toFloat64(m["volume"]); ok {
		n := int(v)
		cmd.Volume = &n
	}
	if cmd.State == nil && cmd.Volume == nil {
		return cmd, fmt.Errorf("invalid command: no state or volume")
	}
	return cmd, nil
}

func (b *Bridge) handleCommand(payload []byte) {
	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()

	if cmd.State != nil {
		var on bool
		switch *cmd.State {
		case "ON":
			on = true
		case "OFF":
			on = false
		case "TOGGLE":
			on = !b.acc.Snapshot().Casting
		default:
			b.logger.Warn("unknown state command", "state", *cmd.State)
			return
		}
		if err := b.acc.SetCasting(ctx, on); err != nil {
			b.logger.Warn("casting command failed", "on", on, "err", err)
		}
	}

	if cmd.Volume != nil {
		if err := b.acc.SetVolume(ctx, *cmd.Volume); err != nil {
			b.logger.Warn("volume command failed", "volume", *cmd.Volume, "err", err)
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.publishFn != nil {
		b.publishFn(topic, payload, retained)
	}
}

func (b *Bridge) pahoPublish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
