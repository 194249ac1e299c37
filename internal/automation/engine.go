//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cast-go-home/internal/supervisor"
	"cast-go-home/internal/timer"

	lua "github.com/yuin/gopher-lua"
)

const (
	runTimeout      = 5 * time.Second
	commandTimeout  = 5 * time.Second
	commandQueueLen = 64
)

// Accessory is the receiver surface scripts can observe and control.
type Accessory interface {
	Snapshot() supervisor.Snapshot
	SetCasting(ctx context.Context, on bool) error
	SetVolume(ctx context.Context, volume int) error
	Events() *supervisor.EventBus
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with cast.on.
type luaEventHandler struct {
	eventType string
	filter    map[string]string // event data key -> required value
	fn        *lua.LFunction
}

// scriptVM is a Lua state owned by a single goroutine. Everything touching
// the state goes through commands.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex // protects handlers and timers
	handlers  []luaEventHandler
	timers    map[uint64]timer.Timer
	nextTimer uint64

	// capture receives script log lines during a one-shot run.
	capture func(string)
}

func (vm *scriptVM) stop() {
	vm.cancel()
	vm.mu.Lock()
	for _, t := range vm.timers {
		t.Stop()
	}
	vm.timers = nil
	vm.mu.Unlock()
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// Engine runs enabled scripts and feeds them supervisor events.
type Engine struct {
	acc     Accessory
	manager *Manager
	clock   timer.Clock
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(acc Accessory, mgr *Manager, clock timer.Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = timer.Real()
	}
	return &Engine{
		acc:     acc,
		manager: mgr,
		clock:   clock,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to supervisor events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.acc.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}

	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from the event bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	for id, vm := range e.vms {
		vm.stop()
		delete(e.vms, id)
	}
	e.mu.Unlock()

	e.logger.Info("automation engine stopped")
}

// Running reports whether a script currently has a live VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// ReloadScript stops the old VM (if any) and starts a new one.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()

	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM. Handlers registered with
// cast.on are invoked once with an event built from the current state, so
// their actions run immediately.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	var (
		logs  []string
		logMu sync.Mutex
	)
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandQueueLen),
		ctx:      ctx,
		cancel:   cancel,
		capture: func(line string) {
			logMu.Lock()
			logs = append(logs, line)
			logMu.Unlock()
		},
	}
	defer vm.stop()
	e.registerModules(L, vm)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string(nil), logs...), Duration: time.Since(start).String()}
		if err != nil {
			r.Error = runError(err)
			e.logger.Warn("script run failed", "err", r.Error)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	handlers := vm.snapshotHandlers()
	snap := e.acc.Snapshot()
	for _, h := range handlers {
		ev := syntheticEvent(h, snap, e.clock.Now())
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(L, ev)); err != nil {
			return result(err)
		}
	}

	e.logger.Debug("script run complete", "handlers", len(handlers), "duration", time.Since(start))
	return result(nil)
}

func runError(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "context deadline exceeded") {
		return "timeout (" + runTimeout.String() + ")"
	}
	return msg
}

// syntheticEvent builds the event a handler would plausibly see right now,
// with its filter values applied on top.
func syntheticEvent(h luaEventHandler, snap supervisor.Snapshot, now time.Time) supervisor.Event {
	data := map[string]any{
		"on":      snap.Casting,
		"casting": snap.Casting,
		"motion":  snap.Motion,
		"volume":  snap.Volume,
		"level":   snap.VolumeLevel,
		"state":   snap.Connection.String(),
	}
	for k, v := range h.filter {
		data[k] = v
	}
	return supervisor.Event{Type: h.eventType, Time: now, Data: data}
}

func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) registerModules(L *lua.LState, vm *scriptVM) {
	registerCastModule(L, vm, e)
	registerSystemModule(L, vm, e)
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.stop()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandQueueLen),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.registerModules(L, vm)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.stop()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent hands an event to every matching handler. It runs on the
// supervisor loop, so it never blocks: a full VM queue drops the event.
func (e *Engine) dispatchEvent(event supervisor.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		if vm.ctx.Err() != nil {
			continue
		}
		for _, h := range vm.snapshotHandlers() {
			if !matchesHandler(h, event) {
				continue
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event) }:
			default:
				e.logger.Warn("script queue full, dropping event", "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event supervisor.Event) bool {
	if h.eventType != "*" && h.eventType != event.Type {
		return false
	}
	for k, want := range h.filter {
		v, ok := event.Data[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event supervisor.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, event)); err != nil {
		e.logger.Error("lua handler error", "type", event.Type, "err", err)
	}
}

// eventTable flattens an event into {type=..., time=..., <data keys>...}.
func eventTable(L *lua.LState, event supervisor.Event) *lua.LTable {
	t := L.NewTable()
	for k, v := range event.Data {
		t.RawSetString(k, goToLua(L, v))
	}
	t.RawSetString("type", lua.LString(event.Type))
	if !event.Time.IsZero() {
		t.RawSetString("time", lua.LNumber(event.Time.Unix()))
	}
	return t
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case fmt.Stringer:
		return lua.LString(val.String())
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
