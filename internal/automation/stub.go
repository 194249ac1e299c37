//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"

	"cast-go-home/internal/supervisor"
	"cast-go-home/internal/timer"
)

// ErrScriptNotFound is returned when no script file exists for an id.
var ErrScriptNotFound = errors.New("script not found")

var errDisabled = errors.New("automation disabled")

// Accessory is the receiver surface scripts can observe and control.
type Accessory interface {
	Snapshot() supervisor.Snapshot
	SetCasting(ctx context.Context, on bool) error
	SetVolume(ctx context.Context, volume int) error
	Events() *supervisor.EventBus
}

// ScriptMeta is the JSON header on the first line of a script file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation stored as <dir>/<id>.lua.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op when automation is compiled out.
type Manager struct{}

// NewManager returns a nil manager when automation is compiled out.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

func (m *Manager) List() ([]*Script, error)                      { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)                 { return nil, errDisabled }
func (m *Manager) Save(_ *Script) (*Script, error)               { return nil, errDisabled }
func (m *Manager) SetEnabled(_ string, _ bool) (*Script, error) { return nil, errDisabled }
func (m *Manager) Delete(_ string) error                         { return errDisabled }

// Engine is a no-op when automation is compiled out.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(_ Accessory, _ *Manager, _ timer.Clock, _ *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start()                      {}
func (e *Engine) Stop()                       {}
func (e *Engine) Running(_ string) bool       { return false }
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) StopScript(_ string)         {}

func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}

func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}
