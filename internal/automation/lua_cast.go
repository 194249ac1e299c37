//go:build !no_automation

package automation

import (
	"context"
	"time"

	"cast-go-home/internal/timer"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerCastModule registers the `cast` global table in a Lua state.
func registerCastModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	fns := map[string]lua.LGFunction{
		"on":          func(L *lua.LState) int { return castOn(L, vm) },
		"is_casting":  func(L *lua.LState) int { return castIsCasting(L, e) },
		"volume":      func(L *lua.LState) int { return castVolume(L, e) },
		"status":      func(L *lua.LState) int { return castStatus(L, e) },
		"set_casting": func(L *lua.LState) int { return castSetCasting(L, vm, e) },
		"set_volume":  func(L *lua.LState) int { return castSetVolume(L, vm, e) },
		"after":       func(L *lua.LState) int { return castAfter(L, vm, e) },
		"log":         func(L *lua.LState) int { return castLog(L, vm, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}

	L.SetGlobal("cast", mod)
}

// cast.on(event_type, [filter], callback)
func castOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)

	var (
		filter *lua.LTable
		fn     *lua.LFunction
	)
	if L.GetTop() >= 3 {
		filter = L.CheckTable(2)
		fn = L.CheckFunction(3)
	} else {
		fn = L.CheckFunction(2)
	}

	h := luaEventHandler{eventType: eventType, fn: fn}
	if filter != nil {
		h.filter = make(map[string]string)
		filter.ForEach(func(k, v lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				h.filter[string(ks)] = v.String()
			}
		})
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// cast.is_casting()
func castIsCasting(L *lua.LState, e *Engine) int {
	L.Push(lua.LBool(e.acc.Snapshot().Casting))
	return 1
}

// cast.volume()
func castVolume(L *lua.LState, e *Engine) int {
	L.Push(lua.LNumber(e.acc.Snapshot().Volume))
	return 1
}

// cast.status() returns a table describing the receiver.
func castStatus(L *lua.LState, e *Engine) int {
	snap := e.acc.Snapshot()
	t := L.NewTable()
	t.RawSetString("name", lua.LString(snap.Name))
	t.RawSetString("connection", lua.LString(snap.Connection.String()))
	t.RawSetString("casting", lua.LBool(snap.Casting))
	t.RawSetString("motion", lua.LBool(snap.Motion))
	t.RawSetString("volume", lua.LNumber(snap.Volume))
	t.RawSetString("session_id", lua.LString(snap.SessionID))
	t.RawSetString("app_id", lua.LString(snap.AppID))
	t.RawSetString("app_name", lua.LString(snap.AppName))
	t.RawSetString("address", lua.LString(snap.Identity.Address))
	t.RawSetString("device_type", lua.LString(snap.Identity.DeviceType))
	t.RawSetString("reconnect_attempts", lua.LNumber(snap.ReconnectAttempts))
	L.Push(t)
	return 1
}

// cast.set_casting(on)
func castSetCasting(L *lua.LState, vm *scriptVM, e *Engine) int {
	on := L.CheckBool(1)
	ctx, cancel := context.WithTimeout(vm.ctx, commandTimeout)
	defer cancel()
	if err := e.acc.SetCasting(ctx, on); err != nil {
		e.logger.Warn("set casting", "on", on, "err", err)
	}
	return 0
}

// cast.set_volume(n) with n on the 0-100 scale
func castSetVolume(L *lua.LState, vm *scriptVM, e *Engine) int {
	volume := L.CheckInt(1)
	ctx, cancel := context.WithTimeout(vm.ctx, commandTimeout)
	defer cancel()
	if err := e.acc.SetVolume(ctx, volume); err != nil {
		e.logger.Warn("set volume", "volume", volume, "err", err)
	}
	return 0
}

// cast.after(seconds, callback) runs callback on the script's goroutine.
func castAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)
	if seconds < 0 {
		L.ArgError(1, "delay must not be negative")
		return 0
	}

	vm.mu.Lock()
	id := vm.nextTimer
	vm.nextTimer++
	vm.mu.Unlock()

	d := time.Duration(float64(seconds) * float64(time.Second))
	t := e.clock.AfterFunc(d, func() {
		vm.mu.Lock()
		delete(vm.timers, id)
		vm.mu.Unlock()
		if vm.ctx.Err() != nil {
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: script queue full")
		}
	})

	vm.mu.Lock()
	if vm.timers == nil {
		vm.timers = make(map[uint64]timer.Timer)
	}
	vm.timers[id] = t
	vm.mu.Unlock()
	return 0
}

// cast.log(msg)
func castLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.capture != nil {
		vm.capture(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}
