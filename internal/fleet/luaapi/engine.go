// Package luaapi embeds a Lua scripting engine and binds it to fleet
// commands, implementing the `execute <script>` shell command (spec.md
// §6).
package luaapi

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"

	_ "embed"
)

//go:embed lua-libs/json.lua
var jsonLua string

// OutputRecord is a single line of captured Lua stdout/stderr output.
type OutputRecord struct {
	Content   string
	Timestamp time.Time
	Source    string // "stdout" or "stderr"
}

// ScriptError carries detail extracted from a Lua error message.
type ScriptError struct {
	Type       string // "syntax", "runtime", "api"
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *ScriptError) Error() string {
	parts := []string{}
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("in %s", e.Source))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}
	prefix := "Lua error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("Lua %s error (%s)", e.Type, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *ScriptError) Unwrap() error { return e.Underlying }

// Engine wraps a golua state with full stdout/stderr capture, grounded
// on the teacher's internal/lua.LuaEngine.
type Engine struct {
	state      *lua.State
	mu         sync.Mutex
	logger     *logrus.Logger
	scriptCode string
	outputChan *RingChannel[OutputRecord]
}

// New creates an Engine with an embedded JSON library and print capture.
func New(logger *logrus.Logger) *Engine {
	e := &Engine{
		logger:     logger,
		outputChan: NewRingChannel[OutputRecord](100),
	}
	e.reset()
	return e
}

func (e *Engine) with(fn func(L *lua.State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return
	}
	fn(e.state)
}

func (e *Engine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
	}
	e.state = lua.NewState()
	e.state.OpenLibs()
	e.registerPrintCapture()
	e.preloadJSON()
}

func (e *Engine) registerPrintCapture() {
	L := e.state
	L.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				if L.ToBoolean(i) {
					parts = append(parts, "true")
				} else {
					parts = append(parts, "false")
				}
			case L.IsNumber(i):
				parts = append(parts, fmt.Sprintf("%v", L.ToNumber(i)))
			case L.IsString(i):
				parts = append(parts, L.ToString(i))
			default:
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}
		e.outputChan.ForceSend(OutputRecord{
			Content:   strings.Join(parts, "\t") + "\n",
			Timestamp: time.Now(),
			Source:    "stdout",
		})
		return 0
	})
	L.SetGlobal("print")
}

func (e *Engine) preloadJSON() {
	L := e.state
	if status := L.LoadString(jsonLua); status != 0 {
		e.logger.Error("luaapi: failed to load embedded json.lua")
		return
	}
	L.Call(0, 1)
	L.GetField(lua.LUA_GLOBALSINDEX, "package")
	L.GetField(-1, "loaded")
	L.PushValue(-3)
	L.SetField(-2, "json")
	L.Pop(2)
}

// OutputChannel returns the channel captured print() output is sent on.
func (e *Engine) OutputChannel() <-chan OutputRecord {
	return e.outputChan.C()
}

func (e *Engine) parseError(errType, source string) *ScriptError {
	if e.state.GetTop() == 0 {
		return &ScriptError{Type: errType, Message: "unknown Lua error", Source: source}
	}
	msg := "non-string error object"
	if e.state.IsString(-1) {
		msg = e.state.ToString(-1)
	}
	e.state.Pop(1)

	line := 0
	message := msg
	if parts := strings.SplitN(msg, ":", 3); len(parts) >= 3 {
		if n, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &line); err == nil && n == 1 {
			message = strings.TrimSpace(parts[2])
		}
	}
	return &ScriptError{Type: errType, Message: message, Line: line, Source: source}
}

// LoadScriptFile reads and loads a script from disk.
func (e *Engine) LoadScriptFile(filename string) error {
	content, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("luaapi: read %s: %w", filename, err)
	}
	return e.LoadScript(string(content), filename)
}

// LoadScript validates script without running it.
func (e *Engine) LoadScript(script, name string) error {
	if script == "" {
		return &ScriptError{Type: "api", Message: "empty script", Source: name}
	}
	e.scriptCode = script

	var loadErr error
	e.with(func(L *lua.State) {
		if status := L.LoadString(script); status != 0 {
			scriptErr := e.parseError("syntax", name)
			e.outputChan.Send(OutputRecord{
				Content:   fmt.Sprintf("Lua syntax error: %s", scriptErr.Message),
				Timestamp: time.Now(),
				Source:    "stderr",
			})
			L.Pop(1)
			loadErr = scriptErr
			return
		}
		L.Pop(1)
	})
	return loadErr
}

// ExecuteScript runs script (or the previously loaded one if script is
// empty).
func (e *Engine) ExecuteScript(script string) error {
	if script != "" {
		if err := e.LoadScript(script, "ad-hoc script"); err != nil {
			return err
		}
	}
	if e.scriptCode == "" {
		return &ScriptError{Type: "api", Message: "no script loaded"}
	}

	var execErr error
	e.with(func(L *lua.State) {
		if err := L.DoString(e.scriptCode); err != nil {
			scriptErr := e.parseError("runtime", "")
			e.outputChan.ForceSend(OutputRecord{
				Content:   fmt.Sprintf("Lua runtime error: %s", scriptErr.Message),
				Timestamp: time.Now(),
				Source:    "stderr",
			})
			execErr = fmt.Errorf("luaapi: script execution failed: %w", err)
		}
	})
	return execErr
}

// Close tears down the Lua state.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}

// Reset recreates the Lua state, clearing any script-registered globals.
func (e *Engine) Reset() {
	e.reset()
}
