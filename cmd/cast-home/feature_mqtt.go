//go:build !no_mqtt

package main

import (
	"log/slog"

	"github.com/google/uuid"

	mqttbridge "cast-go-home/internal/mqtt"
	"cast-go-home/internal/supervisor"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(sup *supervisor.Supervisor, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(sup, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		ClientID:    mqttClientID(cfg),
		Cleanup:     cfg.MQTT.Cleanup,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}

// mqttClientID returns the configured client id or a random one, so two
// instances on the same broker do not kick each other off.
func mqttClientID(cfg *Config) string {
	if cfg.MQTT.ClientID != "" {
		return cfg.MQTT.ClientID
	}
	return "cast-go-home-" + uuid.NewString()[:8]
}
