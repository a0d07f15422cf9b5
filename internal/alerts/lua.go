//go:build !no_lua

package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"fleetwatch/internal/fleet"
)

// DefaultLuaTimeout bounds a single condition call.
const DefaultLuaTimeout = 100 * time.Millisecond

// LuaRules holds rules loaded from Lua scripts. Each script keeps its own
// interpreter until Close is called.
type LuaRules struct {
	rules  []Rule
	states []*lua.LState
}

// Rules returns the loaded rules in file name order.
func (l *LuaRules) Rules() []Rule {
	if l == nil {
		return nil
	}
	return append([]Rule(nil), l.rules...)
}

// Close releases the interpreters.
func (l *LuaRules) Close() {
	if l == nil {
		return
	}
	for _, L := range l.states {
		L.Close()
	}
	l.states = nil
}

// LoadLuaRules loads every *.lua file in dir as a rule. A script sets the
// globals id, severity, message and cooldown_ms and defines
// condition(prev, cur) returning a boolean. prev is nil on the first
// observation of a device. Script errors and timeouts evaluate to false.
func LoadLuaRules(dir string, logger *slog.Logger) (*LuaRules, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return nil, fmt.Errorf("list lua rules: %w", err)
	}
	sort.Strings(paths)

	logger = logger.With("component", "lua-rules")
	out := &LuaRules{}
	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		r, L, err := compileLuaRule(string(src), logger)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
		}
		out.rules = append(out.rules, r)
		out.states = append(out.states, L)
		logger.Info("lua rule loaded", "id", r.ID, "file", filepath.Base(path))
	}
	return out, nil
}

func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)
	return L
}

type luaCondition struct {
	mu      sync.Mutex
	L       *lua.LState
	fn      *lua.LFunction
	id      string
	timeout time.Duration
	logger  *slog.Logger
}

func compileLuaRule(src string, logger *slog.Logger) (Rule, *lua.LState, error) {
	L := newSandbox()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	L.SetContext(ctx)
	err := L.DoString(src)
	L.RemoveContext()
	cancel()
	if err != nil {
		L.Close()
		return Rule{}, nil, err
	}

	id, ok := L.GetGlobal("id").(lua.LString)
	if !ok || id == "" {
		L.Close()
		return Rule{}, nil, fmt.Errorf("missing string global 'id'")
	}
	fn, ok := L.GetGlobal("condition").(*lua.LFunction)
	if !ok {
		L.Close()
		return Rule{}, nil, fmt.Errorf("rule %q: missing function 'condition'", id)
	}

	sev := fleet.SeverityWarning
	if s, ok := L.GetGlobal("severity").(lua.LString); ok {
		sev = fleet.Severity(s)
	}
	msg := string(id)
	if s, ok := L.GetGlobal("message").(lua.LString); ok {
		msg = string(s)
	}
	var cooldown time.Duration
	if n, ok := L.GetGlobal("cooldown_ms").(lua.LNumber); ok {
		cooldown = time.Duration(float64(n) * float64(time.Millisecond))
	}

	c := &luaCondition{
		L:       L,
		fn:      fn,
		id:      string(id),
		timeout: DefaultLuaTimeout,
		logger:  logger,
	}
	return Rule{
		ID:        string(id),
		Severity:  sev,
		Message:   msg,
		Cooldown:  cooldown,
		Condition: c.eval,
	}, L, nil
}

func (c *luaCondition) eval(prev *fleet.State, cur fleet.State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	c.L.SetContext(ctx)
	defer c.L.RemoveContext()

	var p lua.LValue = lua.LNil
	if prev != nil {
		p = stateToLua(c.L, *prev)
	}
	if err := c.L.CallByParam(lua.P{
		Fn:      c.fn,
		NRet:    1,
		Protect: true,
	}, p, stateToLua(c.L, cur)); err != nil {
		c.logger.Warn("lua condition failed", "rule", c.id, "err", err)
		return false
	}
	ret := c.L.Get(-1)
	c.L.Pop(1)
	return lua.LVAsBool(ret)
}

// stateToLua exposes a state to Lua using its JSON field names.
func stateToLua(L *lua.LState, s fleet.State) lua.LValue {
	raw, err := json.Marshal(s)
	if err != nil {
		return lua.LNil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return lua.LNil
	}
	return goToLua(L, m)
}

// goToLua converts a decoded JSON value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
