//go:build !no_automation

package automation

import (
	lua "github.com/yuin/gopher-lua"
)

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L, e)
	}))
	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		return systemTimeBetween(L, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return systemLog(L, vm, e)
	}))
	L.SetGlobal("system", mod)
}

// system.datetime(component)
func systemDatetime(L *lua.LState, e *Engine) int {
	component := L.CheckString(1)
	now := e.clock.Now()

	var v lua.LValue
	switch component {
	case "hour":
		v = lua.LNumber(now.Hour())
	case "minute":
		v = lua.LNumber(now.Minute())
	case "second":
		v = lua.LNumber(now.Second())
	case "weekday":
		v = lua.LNumber(now.Weekday())
	case "day":
		v = lua.LNumber(now.Day())
	case "month":
		v = lua.LNumber(now.Month())
	case "year":
		v = lua.LNumber(now.Year())
	case "timestamp":
		v = lua.LNumber(now.Unix())
	case "time_str":
		v = lua.LString(now.Format("15:04:05"))
	case "date_str":
		v = lua.LString(now.Format("2006-01-02"))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	L.Push(v)
	return 1
}

// system.time_between(from_hour, to_hour), wrapping past midnight when
// from > to.
func systemTimeBetween(L *lua.LState, e *Engine) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	L.Push(lua.LBool(hourBetween(e.clock.Now().Hour(), from, to)))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// system.log(level, msg)
func systemLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	if vm.capture != nil {
		vm.capture("[" + level + "] " + msg)
	}
	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}
