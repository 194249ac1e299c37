//go:build !no_automation

package main

import (
	"log/slog"

	"cast-go-home/internal/automation"
	"cast-go-home/internal/supervisor"
	"cast-go-home/internal/timer"
	"cast-go-home/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(sup *supervisor.Supervisor, cfg *Config, clock timer.Clock, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(sup, scriptMgr, clock, logger)
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoStopper{engine: engine}, opts
}
