//go:build no_automation

package main

import (
	"log/slog"

	"cast-go-home/internal/supervisor"
	"cast-go-home/internal/timer"
	"cast-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *supervisor.Supervisor, _ *Config, _ timer.Clock, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
