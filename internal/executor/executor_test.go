package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apiscript-runtime/internal/auth"
	"apiscript-runtime/internal/config"
	"apiscript-runtime/internal/httpclient"
	"apiscript-runtime/internal/manifest"
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

func petManifest() *manifest.Manifest {
	return &manifest.Manifest{
		APIs: []manifest.ApiConfig{
			{Name: "petstore", BaseURL: "https://petstore.example.com/v1"},
		},
		Functions: []manifest.FunctionDef{
			{
				Name:   "get_pet",
				API:    "petstore",
				Method: manifest.MethodGet,
				Path:   "/pets/{pet_id}",
				Parameters: []manifest.ParamDef{
					{Name: "pet_id", Location: manifest.LocationPath, ScalarType: manifest.TypeString, Required: true},
				},
			},
		},
	}
}

func newExecutor(t *testing.T, mock httpclient.MockFunc, cfg config.ExecutorConfig, io config.IOConfig) *Executor {
	t.Helper()
	return New(petManifest(), httpclient.NewMock(mock), auth.Map{}, cfg, io)
}

// S1: a single successful call returns its field and counts one api call.
func TestExecuteReturnsFieldFromMockedCall(t *testing.T) {
	e := newExecutor(t, func(ctx context.Context, method, rawURL string, headers, query []httpclient.QueryParam, body any) (any, error) {
		return map[string]any{"id": "1", "name": "Fido"}, nil
	}, config.ExecutorConfig{TimeoutMS: 1000}, config.IOConfig{})

	res, err := e.Execute(context.Background(), `
		local p = sdk.get_pet("1")
		return p.name
	`, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "Fido", res.Value)
	assert.Equal(t, int64(1), res.Stats.APICalls)
}

// S2: the third call over a max of 2 fails the whole execution; only 2
// calls reached the handler.
func TestExecuteQuotaExceededStopsAtConfiguredMax(t *testing.T) {
	calls := 0
	e := newExecutor(t, func(ctx context.Context, method, rawURL string, headers, query []httpclient.QueryParam, body any) (any, error) {
		calls++
		return map[string]any{}, nil
	}, config.ExecutorConfig{TimeoutMS: 1000, MaxAPICalls: 2}, config.IOConfig{})

	_, err := e.Execute(context.Background(), `
		sdk.get_pet("x")
		sdk.get_pet("x")
		sdk.get_pet("x")
	`, nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2")
	assert.Equal(t, 2, calls)
}

// S3: write budget enforcement and the resulting file ledger.
func TestExecuteFileBudgetAndLedger(t *testing.T) {
	dir := t.TempDir()
	e := newExecutor(t, func(ctx context.Context, method, rawURL string, headers, query []httpclient.QueryParam, body any) (any, error) {
		return map[string]any{}, nil
	}, config.ExecutorConfig{TimeoutMS: 1000}, config.IOConfig{Enabled: true, Root: dir, MaxBytes: 10})

	res, err := e.Execute(context.Background(), `
		local a = io.open("a.txt", "w")
		a:write("hello")
		a:close()

		local ok, err = pcall(function()
			local b = io.open("b.txt", "w")
			b:write("world!")
			b:close()
		end)

		return ok
	`, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, false, res.Value)

	require.Len(t, res.FilesTouched, 2)
	assert.Equal(t, "a.txt", res.FilesTouched[0].Name)
	assert.Equal(t, "write", res.FilesTouched[0].Op)
	assert.Equal(t, int64(5), res.FilesTouched[0].Bytes)
	assert.Equal(t, "b.txt", res.FilesTouched[1].Name)
	assert.Equal(t, "write", res.FilesTouched[1].Op)
	assert.Equal(t, int64(0), res.FilesTouched[1].Bytes)
}

// S7: table returns with dense integer keys convert to a JSON array.
func TestExecuteArrayReturnValue(t *testing.T) {
	e := newExecutor(t, nil, config.ExecutorConfig{TimeoutMS: 1000}, config.IOConfig{})
	res, err := e.Execute(context.Background(), `return {1, 2, 3}`, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, res.Value)
}

// S8: print() output accumulates into logs in call order.
func TestExecuteCapturesLogsInOrder(t *testing.T) {
	e := newExecutor(t, nil, config.ExecutorConfig{TimeoutMS: 1000}, config.IOConfig{})
	res, err := e.Execute(context.Background(), `
		print("a")
		print("b")
		return 0
	`, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Logs)
	assert.Equal(t, int64(0), res.Value)
}

// Quota rejections surface through the sandbox as an opaque Lua runtime
// error, indistinguishable by message alone from any other script error;
// the executor must still label the metric outcome "quota_rejected".
func TestExecuteQuotaExceededRecordsQuotaRejectedOutcome(t *testing.T) {
	e := newExecutor(t, func(ctx context.Context, method, rawURL string, headers, query []httpclient.QueryParam, body any) (any, error) {
		return map[string]any{}, nil
	}, config.ExecutorConfig{TimeoutMS: 1000, MaxAPICalls: 1}, config.IOConfig{})

	m := metrics.New()
	before := counterValue(t, m.ExecutionsTotal.WithLabelValues("quota_rejected"))

	_, err := e.Execute(context.Background(), `
		sdk.get_pet("1")
		sdk.get_pet("2")
	`, nil, 0)
	require.Error(t, err)

	after := counterValue(t, m.ExecutionsTotal.WithLabelValues("quota_rejected"))
	assert.Equal(t, before+1, after)
}

func TestExecuteTimeoutOnInfiniteLoop(t *testing.T) {
	e := newExecutor(t, nil, config.ExecutorConfig{TimeoutMS: 50}, config.IOConfig{})
	start := time.Now()
	_, err := e.Execute(context.Background(), `while true do end`, nil, 0)
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.Less(t, elapsed, 2*time.Second)
}

// Credential merge precedence is unit-tested in internal/auth; here we only
// confirm that an execution given a per-request override on top of
// environment credentials still completes its call. The mock handler does
// not receive credentials, so which token is used is not checked here.
func TestExecuteAcceptsPerRequestCredentialOverride(t *testing.T) {
	m := petManifest()
	m.APIs[0].AuthConfig = &manifest.AuthConfig{Kind: manifest.AuthBearer, Header: "Authorization", Prefix: "Bearer "}

	e := New(m, httpclient.NewMock(func(ctx context.Context, method, rawURL string, headers, query []httpclient.QueryParam, body any) (any, error) {
		return map[string]any{}, nil
	}), auth.Map{"petstore": {Kind: auth.BearerToken, Token: "env-token"}}, config.ExecutorConfig{TimeoutMS: 1000}, config.IOConfig{})

	_, err := e.Execute(context.Background(), `sdk.get_pet("1")`, auth.Map{"petstore": {Kind: auth.BearerToken, Token: "request-token"}}, 0)
	require.NoError(t, err)
}

func TestIODisabledByDefaultHasNoFilesystemSurface(t *testing.T) {
	e := newExecutor(t, nil, config.ExecutorConfig{TimeoutMS: 1000}, config.IOConfig{})
	res, err := e.Execute(context.Background(), `return io == nil`, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, true, res.Value)
}

func TestFileTraversalRejected(t *testing.T) {
	dir := t.TempDir()
	e := newExecutor(t, nil, config.ExecutorConfig{TimeoutMS: 1000}, config.IOConfig{Enabled: true, Root: dir, MaxBytes: 1024})
	_, err := e.Execute(context.Background(), `return io.open("../etc/passwd", "r")`, nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "traversal")
}

func TestFilesTouchedPathsAreUnderConfiguredRoot(t *testing.T) {
	dir := t.TempDir()
	e := newExecutor(t, nil, config.ExecutorConfig{TimeoutMS: 1000}, config.IOConfig{Enabled: true, Root: dir, MaxBytes: 1024})
	res, err := e.Execute(context.Background(), `
		local f = io.open("out/report.txt", "w")
		f:write("ok")
		f:close()
		return true
	`, nil, 0)
	require.NoError(t, err)
	require.Len(t, res.FilesTouched, 1)
	assert.True(t, filepath.IsAbs(res.FilesTouched[0].Path))
	assert.Contains(t, res.FilesTouched[0].Path, dir)
}
