// Package sandbox builds and runs a locked-down gopher-lua state: one fresh
// VM per script execution, a restricted standard library, and a one-way
// Enable flag that Eval requires once the caller has finished installing
// the sdk/io surface. The globals table itself is not frozen.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

var (
	// ErrTimeout is returned by Eval when a script does not finish within
	// its deadline.
	ErrTimeout = errors.New("sandbox: script execution timed out")
	// ErrMemoryLimit is returned by Eval when the watchdog observes heap
	// growth past the configured ceiling. The ceiling is sampled, not
	// enforced at allocation time, so this is a best-effort guard rather
	// than a hard cap.
	ErrMemoryLimit = errors.New("sandbox: memory limit exceeded")
	// ErrNotSandboxed is returned by Eval when Enable has not been called.
	ErrNotSandboxed = errors.New("sandbox: Enable must be called before Eval")
)

// deniedGlobals are base-library entries that would let a script escape
// the VM (reading arbitrary files, shelling out, or loading new bytecode
// at runtime) or reach into other executions.
var deniedGlobals = []string{"load", "loadstring", "dofile", "loadfile", "require", "module"}

// Config tunes one Sandbox instance.
type Config struct {
	// MemoryLimitBytes caps approximate heap growth sampled during Eval.
	// Zero disables the watchdog.
	MemoryLimitBytes int64
	// MemorySamplePeriod controls how often the watchdog samples
	// runtime.MemStats. Defaults to 20ms when zero.
	MemorySamplePeriod time.Duration
}

// Sandbox wraps one *lua.LState configured with only the base, table,
// string and math libraries, a capturing print, a json.encode/decode
// bridge, and an empty sdk table for the registry to populate.
type Sandbox struct {
	L         *lua.LState
	cfg       Config
	sandboxed bool

	logMu sync.Mutex
	logs  []string
}

// New constructs a Sandbox with the restricted library set already open
// and the dangerous base-library entries removed. The sdk table exists but
// is empty; callers install functions into it (via SDK()) before calling
// Enable.
func New(cfg Config) *Sandbox {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		IncludeGoStackTrace: false,
	})

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	sb := &Sandbox{L: L, cfg: cfg}
	sb.stripDangerousGlobals()
	sb.installPrint()
	sb.installJSON()
	sb.installRestrictedCollectgarbage()
	sb.installOS()
	L.SetGlobal("sdk", L.NewTable())

	return sb
}

func (s *Sandbox) stripDangerousGlobals() {
	for _, name := range deniedGlobals {
		s.L.SetGlobal(name, lua.LNil)
	}
}

// installRestrictedCollectgarbage replaces the base library's
// collectgarbage with one that returns 0 for every option, "count"
// included; a script has no way to force a collection cycle or query VM
// internals through it.
func (s *Sandbox) installRestrictedCollectgarbage() {
	s.L.SetGlobal("collectgarbage", s.L.NewFunction(func(L *lua.LState) int {
		opt := L.OptString(1, "collect")
		if opt == "count" {
			L.Push(lua.LNumber(0))
			return 1
		}
		L.Push(lua.LNumber(0))
		return 1
	}))
}

// installPrint replaces the base library's print with one that appends a
// tab-joined, canonically formatted line to the log buffer instead of
// writing to stdout.
func (s *Sandbox) installPrint() {
	s.L.SetGlobal("print", s.L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, n)
		for i := 1; i <= n; i++ {
			parts[i-1] = FormatValue(L.Get(i))
		}
		s.logMu.Lock()
		s.logs = append(s.logs, strings.Join(parts, "\t"))
		s.logMu.Unlock()
		return 0
	}))
}

// installJSON installs a json table with encode/decode functions bridging
// to encoding/json via ToJSON/FromJSON.
func (s *Sandbox) installJSON() {
	tbl := s.L.NewTable()
	s.L.SetField(tbl, "encode", s.L.NewFunction(luaJSONEncode))
	s.L.SetField(tbl, "decode", s.L.NewFunction(luaJSONDecode))
	s.L.SetGlobal("json", tbl)
}

// installOS installs a minimal os table carrying only os.clock; os.execute,
// os.getenv, os.exit and the rest of the real os library are never opened.
// ioctx.Install adds os.remove into this same table.
func (s *Sandbox) installOS() {
	tbl := s.L.NewTable()
	s.L.SetField(tbl, "clock", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(float64(time.Now().UnixNano()) / 1e9))
		return 1
	}))
	s.L.SetGlobal("os", tbl)
}

// OSTable returns the sandbox's os table so other packages (ioctx) can add
// entries like os.remove to it before Enable is called.
func (s *Sandbox) OSTable() *lua.LTable {
	v := s.L.GetGlobal("os")
	t, _ := v.(*lua.LTable)
	return t
}

// SDK returns the sdk table so the registry can populate it with bound
// function closures, including nested tables for dotted names.
func (s *Sandbox) SDK() *lua.LTable {
	v := s.L.GetGlobal("sdk")
	t, _ := v.(*lua.LTable)
	return t
}

// SetIO installs the io table built by internal/ioctx. Must be called
// before Enable.
func (s *Sandbox) SetIO(io *lua.LTable) {
	s.L.SetGlobal("io", io)
}

// Enable seals the sandbox: no further globals should be installed after
// this call. gopher-lua has no native table-freeze primitive, so this is
// tracked as a one-way flag that Eval checks, documenting the intended
// install-then-enable-then-evaluate ordering rather than enforcing it at
// the VM level.
func (s *Sandbox) Enable() {
	s.sandboxed = true
}

// Sandboxed reports whether Enable has been called.
func (s *Sandbox) Sandboxed() bool {
	return s.sandboxed
}

// Logs returns a copy of the captured print() output, one entry per call.
func (s *Sandbox) Logs() []string {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	out := make([]string, len(s.logs))
	copy(out, s.logs)
	return out
}

// Close releases the underlying Lua state. A Sandbox must not be used
// afterward.
func (s *Sandbox) Close() {
	s.L.Close()
}

// Eval compiles and runs script, enforcing timeout and (if configured) an
// approximate memory ceiling. It returns the single value the script
// leaves on top of the stack via an explicit `return`, or lua.LNil if the
// script returns nothing.
func (s *Sandbox) Eval(ctx context.Context, script string, timeout time.Duration) (lua.LValue, error) {
	if !s.sandboxed {
		return nil, ErrNotSandboxed
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	s.L.SetContext(ctx)

	var watchdogDone chan struct{}
	if s.cfg.MemoryLimitBytes > 0 {
		watchdogDone = make(chan struct{})
		go s.watchMemory(ctx, cancel, watchdogDone)
		defer close(watchdogDone)
	}

	type result struct {
		val lua.LValue
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("sandbox: script panicked: %v", r)}
			}
		}()
		fn, err := s.L.LoadString(script)
		if err != nil {
			done <- result{err: fmt.Errorf("sandbox: compile: %w", err)}
			return
		}
		s.L.Push(fn)
		if err := s.L.PCall(0, 1, nil); err != nil {
			done <- result{err: fmt.Errorf("sandbox: runtime error: %w", err)}
			return
		}
		val := s.L.Get(-1)
		s.L.Pop(1)
		done <- result{val: val}
	}()

	// Once ctx is done, gopher-lua aborts the script with a plain runtime
	// error; report the sentinel for why ctx ended instead.
	finish := func(r result) (lua.LValue, error) {
		if r.err != nil && ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ErrMemoryLimit
		}
		return r.val, r.err
	}

	select {
	case r := <-done:
		return finish(r)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			select {
			case r := <-done:
				return finish(r)
			case <-time.After(50 * time.Millisecond):
				return nil, ErrTimeout
			}
		}
		return nil, ErrMemoryLimit
	}
}

// watchMemory samples process heap growth and cancels ctx if it exceeds
// the configured ceiling. This is a heuristic, not an allocator-level
// limit: gopher-lua exposes no hook to reject an allocation mid-execution,
// so scripts can still transiently overshoot before the next sample.
func (s *Sandbox) watchMemory(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	period := s.cfg.MemorySamplePeriod
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	var base runtime.MemStats
	runtime.ReadMemStats(&base)

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			var cur runtime.MemStats
			runtime.ReadMemStats(&cur)
			if cur.HeapAlloc > base.HeapAlloc &&
				int64(cur.HeapAlloc-base.HeapAlloc) > s.cfg.MemoryLimitBytes {
				cancel()
				return
			}
		}
	}
}

func luaJSONEncode(L *lua.LState) int {
	v := L.CheckAny(1)
	goVal, err := ToJSON(v)
	if err != nil {
		L.RaiseError("json.encode: %v", err)
		return 0
	}
	data, err := json.Marshal(goVal)
	if err != nil {
		L.RaiseError("json.encode: %v", err)
		return 0
	}
	L.Push(lua.LString(data))
	return 1
}

func luaJSONDecode(L *lua.LState) int {
	s := L.CheckString(1)
	var goVal any
	if err := json.Unmarshal([]byte(s), &goVal); err != nil {
		L.RaiseError("json.decode: %v", err)
		return 0
	}
	L.Push(FromJSON(L, goVal))
	return 1
}
