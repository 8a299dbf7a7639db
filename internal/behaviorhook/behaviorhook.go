// Package behaviorhook runs alias-configured Lua snippets that mutate
// an outbound unified.Request before it reaches a provider. This
// generalizes the strip_adaptive_thinking flag into a named, pluggable
// mechanism: any alias can list any number of behaviors, each backed by
// a small Lua script operating on the request as a table.
package behaviorhook

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/llmgateway/gateway/internal/unified"
)

// stripAdaptiveThinking is the built-in behavior the original flag
// named directly: it removes the reasoning directive before the
// request leaves the gateway, for providers that reject or mishandle
// adaptive-thinking controls they don't support.
const stripAdaptiveThinking = `
request.reasoning = nil
`

// Engine compiles and runs named Lua behaviors against a request.
type Engine struct {
	sources map[string]string
}

// New builds an Engine from the gateway's configured behaviors, always
// including the built-in strip_adaptive_thinking behavior (config may
// override it by defining its own behavior of the same name).
func New(configured map[string]string) *Engine {
	sources := map[string]string{"strip_adaptive_thinking": stripAdaptiveThinking}
	for name, src := range configured {
		sources[name] = src
	}
	return &Engine{sources: sources}
}

// Apply runs each named behavior against req in order, returning a new
// Request reflecting all mutations. An unknown behavior name is an
// error — a misconfigured alias should fail loudly, not silently skip
// the hook a caller relied on.
func (e *Engine) Apply(names []string, req *unified.Request) (*unified.Request, error) {
	if len(names) == 0 {
		return req, nil
	}

	current := req
	for _, name := range names {
		src, ok := e.sources[name]
		if !ok {
			return nil, fmt.Errorf("behaviorhook: unknown behavior %q", name)
		}
		next, err := runOne(src, current)
		if err != nil {
			return nil, fmt.Errorf("behaviorhook: running %q: %w", name, err)
		}
		current = next
	}
	return current, nil
}

func runOne(src string, req *unified.Request) (*unified.Request, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request for lua: %w", err)
	}
	var asAny any
	if err := json.Unmarshal(encoded, &asAny); err != nil {
		return nil, fmt.Errorf("decoding request json: %w", err)
	}

	L := lua.NewState()
	defer L.Close()

	L.SetGlobal("request", toLua(L, asAny))

	if err := L.DoString(src); err != nil {
		return nil, fmt.Errorf("executing behavior script: %w", err)
	}

	result := fromLua(L.GetGlobal("request"))
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding mutated request: %w", err)
	}

	// Decode into a fresh Request so fields the script removed stay
	// removed. Extra is non-JSON and is carried over untouched.
	out := &unified.Request{}
	if err := json.Unmarshal(resultJSON, out); err != nil {
		return nil, fmt.Errorf("decoding mutated request: %w", err)
	}
	out.Extra = req.Extra
	return out, nil
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.CreateTable(len(val), 0)
		for i, item := range val {
			tbl.RawSetInt(i+1, toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(val))
		for k, item := range val {
			tbl.RawSetString(k, toLua(L, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}

func fromLua(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		return fromLuaTable(val)
	default:
		return nil
	}
}

func fromLuaTable(t *lua.LTable) any {
	isArray := true
	t.ForEach(func(k, _ lua.LValue) {
		if _, ok := k.(lua.LNumber); !ok {
			isArray = false
		}
	})

	if isArray {
		n := t.Len()
		arr := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			arr = append(arr, fromLua(t.RawGetInt(i)))
		}
		return arr
	}

	m := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		m[k.String()] = fromLua(v)
	})
	return m
}
