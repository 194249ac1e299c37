//go:build no_mqtt

package main

import (
	"log/slog"

	"cast-go-home/internal/supervisor"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *supervisor.Supervisor, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
