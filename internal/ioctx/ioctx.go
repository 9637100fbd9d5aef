// Package ioctx implements the sandboxed filesystem surface a script sees
// as io.* and os.remove: every path is resolved under one root directory,
// writes are budgeted, open handles are capped, and every touched file is
// recorded so the caller can report what the script left behind.
package ioctx

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"apiscript-runtime/internal/metrics"
)

// MaxOpenHandles caps concurrently open file handles for one execution.
const MaxOpenHandles = 64

// FileTouched summarizes one file a script wrote to, appended to, or
// removed, inspected from disk after execution finishes.
type FileTouched struct {
	Name  string
	Path  string
	Op    string // "write" or "remove"
	Bytes int64
}

// Context is the shared, per-execution sandbox state for file operations.
// It is safe for concurrent use by the handles it issues.
type Context struct {
	root         string
	maxBytes     int64
	bytesWritten int64 // atomic
	openHandles  int64 // atomic
	metrics      *metrics.Metrics // nil disables metrics recording

	quotaRejected int32 // atomic; set once a byte or handle budget fires

	mu      sync.Mutex
	touched map[string]string // name -> absolute path
}

// New constructs a Context rooted at root with a total write budget of
// maxBytes across the whole execution.
func New(root string, maxBytes int64) *Context {
	return &Context{
		root:     root,
		maxBytes: maxBytes,
		touched:  make(map[string]string),
	}
}

// SetMetrics enables Prometheus recording of byte- and handle-budget quota
// rejections. When unset, the budgets are still enforced but nothing is
// recorded.
func (c *Context) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// QuotaRejected reports whether this Context ever rejected an operation for
// exceeding its byte or handle budget, for callers (the executor) that need
// to distinguish a quota rejection from an ordinary script error.
func (c *Context) QuotaRejected() bool {
	return atomic.LoadInt32(&c.quotaRejected) != 0
}

func (c *Context) recordQuotaRejection(kind string) {
	atomic.StoreInt32(&c.quotaRejected, 1)
	if c.metrics != nil {
		c.metrics.RecordQuotaRejection(kind)
	}
}

// resolve validates a user-supplied filename and joins it onto the sandbox
// root. It rejects empty names, NUL bytes, absolute paths, and any ".."
// path component.
func (c *Context) resolve(filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("filename cannot be empty")
	}
	if strings.ContainsRune(filename, 0) {
		return "", fmt.Errorf("filename cannot contain null bytes")
	}
	if filepath.IsAbs(filename) {
		return "", fmt.Errorf("filename must be relative, got absolute path")
	}
	for _, part := range strings.Split(filepath.ToSlash(filename), "/") {
		if part == ".." {
			return "", fmt.Errorf("filename cannot contain '..' path traversal")
		}
	}
	return filepath.Join(c.root, filename), nil
}

// trackWrite atomically accounts for n bytes of write, rolling back and
// returning an error if the cumulative budget would be exceeded.
func (c *Context) trackWrite(n int64) error {
	prev := atomic.AddInt64(&c.bytesWritten, n)
	if prev > c.maxBytes {
		atomic.AddInt64(&c.bytesWritten, -n)
		c.recordQuotaRejection("bytes")
		return fmt.Errorf("output size limit exceeded (%d bytes)", c.maxBytes)
	}
	return nil
}

// acquireHandle reserves a handle slot, enforcing MaxOpenHandles.
func (c *Context) acquireHandle() error {
	cur := atomic.AddInt64(&c.openHandles, 1)
	if cur > MaxOpenHandles {
		atomic.AddInt64(&c.openHandles, -1)
		c.recordQuotaRejection("handles")
		return fmt.Errorf("too many open files (max %d)", MaxOpenHandles)
	}
	return nil
}

func (c *Context) releaseHandle() {
	atomic.AddInt64(&c.openHandles, -1)
}

func (c *Context) recordTouch(name, absPath string) {
	c.mu.Lock()
	c.touched[name] = absPath
	c.mu.Unlock()
}

// CollectFinalState inspects disk state for every file the script touched
// and returns a report sorted by name.
func (c *Context) CollectFinalState() []FileTouched {
	c.mu.Lock()
	names := make([]string, 0, len(c.touched))
	paths := make(map[string]string, len(c.touched))
	for name, path := range c.touched {
		names = append(names, name)
		paths[name] = path
	}
	c.mu.Unlock()

	sort.Strings(names)
	out := make([]FileTouched, 0, len(names))
	for _, name := range names {
		path := paths[name]
		if info, err := os.Stat(path); err == nil {
			out = append(out, FileTouched{Name: name, Path: path, Op: "write", Bytes: info.Size()})
		} else {
			out = append(out, FileTouched{Name: name, Path: path, Op: "remove", Bytes: 0})
		}
	}
	return out
}

// fileHandle is the state behind a file handle returned by io.open (wrapped
// as userdata) and behind the iterator io.lines returns. A nil f means the
// handle has been closed.
type fileHandle struct {
	mu     sync.Mutex
	f      *os.File
	reader *bufio.Reader
	ctx    *Context
}

func (h *fileHandle) closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f == nil
}

const fileHandleTypeName = "SANDBOXED_FILE*"

func checkFileHandle(L *lua.LState, idx int) *fileHandle {
	ud := L.CheckUserData(idx)
	h, ok := ud.Value.(*fileHandle)
	if !ok {
		L.ArgError(idx, "file expected")
	}
	return h
}

// readLine reads one line (without its trailing newline) using the
// handle's buffered reader. It returns ok=false only at true EOF.
func readLine(r *bufio.Reader) (line string, ok bool, err error) {
	raw, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", false, err
	}
	if raw == "" && err == io.EOF {
		return "", false, nil
	}
	raw = strings.TrimSuffix(raw, "\n")
	raw = strings.TrimSuffix(raw, "\r")
	return raw, true, nil
}

func fileRead(L *lua.LState) int {
	h := checkFileHandle(L, 1)
	format := "*l"
	if L.GetTop() >= 2 {
		format = L.CheckString(2)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		L.RaiseError("attempt to use a closed file")
		return 0
	}

	switch format {
	case "*a", "a":
		data, err := io.ReadAll(h.reader)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		L.Push(lua.LString(data))
		return 1
	case "*l", "l":
		line, ok, err := readLine(h.reader)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(line))
		return 1
	case "*n", "n":
		num, ok := readNumber(h.reader)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LNumber(num))
		return 1
	default:
		L.RaiseError("invalid format argument to read: '%s'", format)
		return 0
	}
}

func readNumber(r *bufio.Reader) (float64, bool) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			break
		}
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			if sb.Len() > 0 {
				_ = r.UnreadByte()
				break
			}
			continue
		}
		isNumChar := (b >= '0' && b <= '9') || b == '.' || b == '-' || b == '+' || b == 'e' || b == 'E'
		if !isNumChar {
			_ = r.UnreadByte()
			break
		}
		sb.WriteByte(b)
	}
	if sb.Len() == 0 {
		return 0, false
	}
	n, err := strconv.ParseFloat(sb.String(), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func fileWrite(L *lua.LState) int {
	ud := L.CheckUserData(1)
	h, ok := ud.Value.(*fileHandle)
	if !ok {
		L.ArgError(1, "file expected")
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		L.RaiseError("attempt to use a closed file")
		return 0
	}

	for i := 2; i <= L.GetTop(); i++ {
		var data string
		switch v := L.Get(i).(type) {
		case lua.LString:
			data = string(v)
		case lua.LNumber:
			data = v.String()
		default:
			L.RaiseError("write expects string or number arguments")
			return 0
		}
		if err := h.ctx.trackWrite(int64(len(data))); err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		if _, err := h.f.WriteString(data); err != nil {
			L.RaiseError("%v", err)
			return 0
		}
	}
	L.Push(ud)
	return 1
}

func fileClose(L *lua.LState) int {
	h := checkFileHandle(L, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		L.RaiseError("attempt to use a closed file")
		return 0
	}
	err := h.f.Close()
	h.f = nil
	h.ctx.releaseHandle()
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LBool(true))
	return 1
}

func fileSeek(L *lua.LState) int {
	h := checkFileHandle(L, 1)
	whence := "cur"
	if L.GetTop() >= 2 {
		whence = L.CheckString(2)
	}
	var offset int64
	if L.GetTop() >= 3 {
		offset = int64(L.CheckNumber(3))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		L.RaiseError("attempt to use a closed file")
		return 0
	}

	var whenceFlag int
	switch whence {
	case "set":
		whenceFlag = io.SeekStart
	case "cur":
		whenceFlag = io.SeekCurrent
	case "end":
		whenceFlag = io.SeekEnd
	default:
		L.RaiseError("invalid whence argument: '%s'", whence)
		return 0
	}
	pos, err := h.f.Seek(offset, whenceFlag)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	h.reader.Reset(h.f)
	L.Push(lua.LNumber(pos))
	return 1
}

func fileFlush(L *lua.LState) int {
	h := checkFileHandle(L, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		L.RaiseError("attempt to use a closed file")
		return 0
	}
	if err := h.f.Sync(); err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LBool(true))
	return 1
}

func fileLines(L *lua.LState) int {
	h := checkFileHandle(L, 1)
	L.Push(L.NewFunction(func(L *lua.LState) int {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.f == nil {
			L.RaiseError("attempt to use a closed file")
			return 0
		}
		line, ok, err := readLine(h.reader)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(line))
		return 1
	}))
	return 1
}

var fileMethods = map[string]lua.LGFunction{
	"read":  fileRead,
	"write": fileWrite,
	"close": fileClose,
	"seek":  fileSeek,
	"flush": fileFlush,
	"lines": fileLines,
}

func newFileUserData(L *lua.LState, ctx *Context, f *os.File) *lua.LUserData {
	mt := L.GetTypeMetatable(fileHandleTypeName)
	if mt == lua.LNil {
		mt = L.NewTypeMetatable(fileHandleTypeName)
		L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), fileMethods))
	}
	ud := L.NewUserData()
	ud.Value = &fileHandle{f: f, reader: bufio.NewReader(f), ctx: ctx}
	L.SetMetatable(ud, mt)
	return ud
}

// Install builds the io table (open, lines, type, list) for ctx and adds
// os.remove to osTable. Must be called before the sandbox is enabled.
func Install(L *lua.LState, ctx *Context, osTable *lua.LTable) *lua.LTable {
	io_ := L.NewTable()

	L.SetField(io_, "open", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		mode := "r"
		if L.GetTop() >= 2 {
			mode = L.CheckString(2)
		}
		absPath, err := ctx.resolve(path)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}

		var f *os.File
		switch mode {
		case "r", "rb":
			f, err = os.Open(absPath)
		case "w", "wb":
			if mkErr := os.MkdirAll(filepath.Dir(absPath), 0o755); mkErr != nil {
				L.RaiseError("%v", mkErr)
				return 0
			}
			ctx.recordTouch(path, absPath)
			f, err = os.Create(absPath)
		case "a", "ab":
			if mkErr := os.MkdirAll(filepath.Dir(absPath), 0o755); mkErr != nil {
				L.RaiseError("%v", mkErr)
				return 0
			}
			ctx.recordTouch(path, absPath)
			f, err = os.OpenFile(absPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		default:
			L.RaiseError("invalid mode: '%s'", mode)
			return 0
		}
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}

		if err := ctx.acquireHandle(); err != nil {
			f.Close()
			L.RaiseError("%v", err)
			return 0
		}

		L.Push(newFileUserData(L, ctx, f))
		return 1
	}))

	L.SetField(io_, "lines", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		absPath, err := ctx.resolve(path)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		f, err := os.Open(absPath)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		if err := ctx.acquireHandle(); err != nil {
			f.Close()
			L.RaiseError("%v", err)
			return 0
		}
		h := &fileHandle{f: f, reader: bufio.NewReader(f), ctx: ctx}
		L.Push(L.NewFunction(func(L *lua.LState) int {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.f == nil {
				L.Push(lua.LNil)
				return 1
			}
			line, ok, rerr := readLine(h.reader)
			if rerr != nil {
				L.RaiseError("%v", rerr)
				return 0
			}
			if !ok {
				h.f.Close()
				h.f = nil
				h.ctx.releaseHandle()
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LString(line))
			return 1
		}))
		return 1
	}))

	L.SetField(io_, "type", L.NewFunction(func(L *lua.LState) int {
		ud, ok := L.Get(1).(*lua.LUserData)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		h, ok := ud.Value.(*fileHandle)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		if h.closed() {
			L.Push(lua.LString("closed file"))
		} else {
			L.Push(lua.LString("file"))
		}
		return 1
	}))

	L.SetField(io_, "list", L.NewFunction(func(L *lua.LState) int {
		dir := ctx.root
		if L.GetTop() >= 1 && L.Get(1) != lua.LNil {
			path := L.CheckString(1)
			abs, err := ctx.resolve(path)
			if err != nil {
				L.RaiseError("%v", err)
				return 0
			}
			dir = abs
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			L.RaiseError("'%s' is not a directory", dir)
			return 0
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		result := L.NewTable()
		for i, e := range entries {
			result.RawSetInt(i+1, lua.LString(e.Name()))
		}
		L.Push(result)
		return 1
	}))

	L.SetField(osTable, "remove", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		absPath, err := ctx.resolve(path)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		info, err := os.Stat(absPath)
		if err == nil && info.IsDir() {
			L.RaiseError("cannot remove directory '%s'", path)
			return 0
		}
		if err := os.Remove(absPath); err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		ctx.recordTouch(path, absPath)
		L.Push(lua.LBool(true))
		return 1
	}))

	return io_
}
