package ioctx

import (
	"os"
	"path/filepath"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"apiscript-runtime/internal/metrics"
)

func counterValue(t *testing.T, c interface {
	Write(*dto.Metric) error
}) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func setup(t *testing.T, maxBytes int64) (*lua.LState, *Context, string) {
	t.Helper()
	dir := t.TempDir()
	L := lua.NewState()
	t.Cleanup(L.Close)
	ctx := New(dir, maxBytes)
	osTable := L.NewTable()
	L.SetGlobal("os", osTable)
	io_ := Install(L, ctx, osTable)
	L.SetGlobal("io", io_)
	return L, ctx, dir
}

func run(t *testing.T, L *lua.LState, script string) lua.LValue {
	t.Helper()
	fn, err := L.LoadString(script)
	require.NoError(t, err)
	L.Push(fn)
	require.NoError(t, L.PCall(0, 1, nil))
	v := L.Get(-1)
	L.Pop(1)
	return v
}

func TestWriteAndReadAll(t *testing.T) {
	L, _, _ := setup(t, 1<<20)
	v := run(t, L, `
		local f = io.open("hello.txt", "w")
		f:write("hello world")
		f:close()
		local f2 = io.open("hello.txt", "r")
		local content = f2:read("*a")
		f2:close()
		return content
	`)
	assert.Equal(t, lua.LString("hello world"), v)
}

func TestReadLine(t *testing.T) {
	L, _, dir := setup(t, 1<<20)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lines.txt"), []byte("line1\nline2\nline3\n"), 0o644))
	v := run(t, L, `
		local f = io.open("lines.txt", "r")
		local a = f:read("*l")
		local b = f:read("*l")
		local c = f:read("*l")
		f:close()
		return a .. "|" .. b .. "|" .. c
	`)
	assert.Equal(t, lua.LString("line1|line2|line3"), v)
}

func TestReadNumber(t *testing.T) {
	L, _, dir := setup(t, 1<<20)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nums.txt"), []byte("  42  3.14"), 0o644))
	v := run(t, L, `
		local f = io.open("nums.txt", "r")
		local a = f:read("*n")
		local b = f:read("*n")
		f:close()
		return a + b
	`)
	assert.InDelta(t, 45.14, float64(v.(lua.LNumber)), 0.001)
}

func TestIoLinesIterator(t *testing.T) {
	L, _, dir := setup(t, 1<<20)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "iter.txt"), []byte("alpha\nbeta\ngamma\n"), 0o644))
	v := run(t, L, `
		local parts = {}
		for line in io.lines("iter.txt") do
			table.insert(parts, line)
		end
		return table.concat(parts, ",")
	`)
	assert.Equal(t, lua.LString("alpha,beta,gamma"), v)
}

func TestSeek(t *testing.T) {
	L, _, _ := setup(t, 1<<20)
	v := run(t, L, `
		local f = io.open("seek.txt", "w")
		f:write("abcdefghij")
		f:close()
		local f2 = io.open("seek.txt", "r")
		f2:seek("set", 3)
		local data = f2:read("*a")
		f2:close()
		return data
	`)
	assert.Equal(t, lua.LString("defghij"), v)
}

func TestAppendMode(t *testing.T) {
	L, _, _ := setup(t, 1<<20)
	v := run(t, L, `
		local f = io.open("app.txt", "w")
		f:write("hello")
		f:close()
		local f2 = io.open("app.txt", "a")
		f2:write(" world")
		f2:close()
		local f3 = io.open("app.txt", "r")
		local data = f3:read("*a")
		f3:close()
		return data
	`)
	assert.Equal(t, lua.LString("hello world"), v)
}

func TestIoType(t *testing.T) {
	L, _, _ := setup(t, 1<<20)
	v := run(t, L, `
		local f = io.open("t.txt", "w")
		local t1 = io.type(f)
		f:close()
		local t2 = io.type(f)
		local t3 = io.type("not a file")
		return t1 .. "|" .. t2 .. "|" .. tostring(t3)
	`)
	assert.Equal(t, lua.LString("file|closed file|nil"), v)
}

func TestIoList(t *testing.T) {
	L, _, dir := setup(t, 1<<20)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0o644))
	v := run(t, L, `
		local entries = io.list()
		table.sort(entries)
		return entries[1] .. "," .. entries[2]
	`)
	assert.Equal(t, lua.LString("a.txt,b.txt"), v)
}

func TestOsRemove(t *testing.T) {
	L, _, dir := setup(t, 1<<20)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gone.txt"), []byte("bye"), 0o644))
	run(t, L, `os.remove("gone.txt")`)
	_, err := os.Stat(filepath.Join(dir, "gone.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriteChaining(t *testing.T) {
	L, _, _ := setup(t, 1<<20)
	v := run(t, L, `
		local f = io.open("chain.txt", "w")
		f:write("hello"):write(" "):write("world")
		f:close()
		local f2 = io.open("chain.txt", "r")
		local data = f2:read("*a")
		f2:close()
		return data
	`)
	assert.Equal(t, lua.LString("hello world"), v)
}

func TestSubdirectoryAutoCreate(t *testing.T) {
	L, _, dir := setup(t, 1<<20)
	run(t, L, `
		local f = io.open("deep/nested/file.txt", "w")
		f:write("deep content")
		f:close()
	`)
	data, err := os.ReadFile(filepath.Join(dir, "deep", "nested", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "deep content", string(data))
}

func TestRejectsPathTraversal(t *testing.T) {
	L, _, _ := setup(t, 1<<20)
	fn, err := L.LoadString(`return io.open("../evil.txt", "w")`)
	require.NoError(t, err)
	L.Push(fn)
	err = L.PCall(0, 1, nil)
	assert.Error(t, err)
}

func TestRejectsAbsolutePath(t *testing.T) {
	L, _, _ := setup(t, 1<<20)
	fn, err := L.LoadString(`return io.open("/etc/passwd", "r")`)
	require.NoError(t, err)
	L.Push(fn)
	err = L.PCall(0, 1, nil)
	assert.Error(t, err)
}

func TestRejectsNullBytes(t *testing.T) {
	L, _, _ := setup(t, 1<<20)
	fn, err := L.LoadString("return io.open(\"te\\0st.txt\", \"w\")")
	require.NoError(t, err)
	L.Push(fn)
	err = L.PCall(0, 1, nil)
	assert.Error(t, err)
}

func TestEnforcesWriteLimit(t *testing.T) {
	L, ctx, _ := setup(t, 10)
	run(t, L, `
		local f = io.open("a.txt", "w")
		f:write("hello")
		f:close()
	`)
	fn, err := L.LoadString(`
		local f = io.open("b.txt", "w")
		f:write("world!")
		f:close()
	`)
	require.NoError(t, err)
	assert.False(t, ctx.QuotaRejected())
	L.Push(fn)
	err = L.PCall(0, 0, nil)
	assert.Error(t, err)
	assert.True(t, ctx.QuotaRejected())
}

func TestEnforcesWriteLimitRecordsQuotaRejectionMetric(t *testing.T) {
	L, ctx, _ := setup(t, 10)
	m := metrics.New()
	ctx.SetMetrics(m)
	before := counterValue(t, m.QuotaRejections.WithLabelValues("bytes"))

	fn, err := L.LoadString(`
		local f = io.open("over.txt", "w")
		f:write("this is far too long")
		f:close()
	`)
	require.NoError(t, err)
	L.Push(fn)
	require.Error(t, L.PCall(0, 0, nil))

	after := counterValue(t, m.QuotaRejections.WithLabelValues("bytes"))
	assert.Equal(t, before+1, after)
}

func TestEnforcesHandleLimit(t *testing.T) {
	L, ctx, dir := setup(t, 1<<20)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), []byte("data"), 0o644))
	for i := 0; i < MaxOpenHandles-1; i++ {
		require.NoError(t, ctx.acquireHandle())
	}

	run(t, L, `local f = io.open("x.txt", "r")`)

	fn, err := L.LoadString(`local f2 = io.open("x.txt", "r")`)
	require.NoError(t, err)
	assert.False(t, ctx.QuotaRejected())
	L.Push(fn)
	err = L.PCall(0, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many open files")
	assert.True(t, ctx.QuotaRejected())
}

func TestUseAfterClose(t *testing.T) {
	L, _, _ := setup(t, 1<<20)
	fn, err := L.LoadString(`
		local f = io.open("uc.txt", "w")
		f:write("data")
		f:close()
		f:write("more")
	`)
	require.NoError(t, err)
	L.Push(fn)
	err = L.PCall(0, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed file")
}

func TestOsRemoveRejectsTraversal(t *testing.T) {
	L, _, _ := setup(t, 1<<20)
	fn, err := L.LoadString(`os.remove("../evil.txt")`)
	require.NoError(t, err)
	L.Push(fn)
	err = L.PCall(0, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "traversal")
}

func TestOsRemoveRejectsDirectories(t *testing.T) {
	L, _, dir := setup(t, 1<<20)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "mydir"), 0o755))
	fn, err := L.LoadString(`os.remove("mydir")`)
	require.NoError(t, err)
	L.Push(fn)
	err = L.PCall(0, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot remove directory")
}

func TestCollectFinalState(t *testing.T) {
	L, ctx, _ := setup(t, 1<<20)
	run(t, L, `
		local f = io.open("state.txt", "w")
		f:write("some data")
		f:close()
	`)
	state := ctx.CollectFinalState()
	require.Len(t, state, 1)
	assert.Equal(t, "state.txt", state[0].Name)
	assert.Equal(t, "write", state[0].Op)
	assert.EqualValues(t, 9, state[0].Bytes)
}

func TestFinalStateWriteThenDelete(t *testing.T) {
	L, ctx, _ := setup(t, 1<<20)
	run(t, L, `
		local f = io.open("del.txt", "w")
		f:write("temporary")
		f:close()
		os.remove("del.txt")
	`)
	state := ctx.CollectFinalState()
	require.Len(t, state, 1)
	assert.Equal(t, "del.txt", state[0].Name)
	assert.Equal(t, "remove", state[0].Op)
	assert.EqualValues(t, 0, state[0].Bytes)
}
