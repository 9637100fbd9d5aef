// Package executor orchestrates one script execution end to end: a fresh
// sandbox, an optional IO context, manifest functions bound into the
// sandbox's sdk table, a timeout, and the harvesting of the result, logs,
// touched-file ledger, and call stats once the script finishes.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"apiscript-runtime/internal/auth"
	"apiscript-runtime/internal/config"
	"apiscript-runtime/internal/httpclient"
	"apiscript-runtime/internal/ioctx"
	"apiscript-runtime/internal/manifest"
	"apiscript-runtime/internal/metrics"
	"apiscript-runtime/internal/registry"
	"apiscript-runtime/internal/sandbox"
	"apiscript-runtime/internal/schema"
)

// Stats summarizes one execution's resource usage.
type Stats struct {
	APICalls   int64 `json:"api_calls"`
	DurationMS int64 `json:"duration_ms"`
}

// Result is the single value execute() returns on success.
type Result struct {
	Value        any                  `json:"result"`
	Logs         []string             `json:"logs"`
	FilesTouched []ioctx.FileTouched  `json:"files_touched"`
	Stats        Stats                `json:"stats"`
}

// Executor owns the long-lived, read-only state shared by every execution:
// the manifest, the HTTP handler, the environment-derived credentials, the
// schema validator, and the per-run budgets from config.
type Executor struct {
	manifest    *manifest.Manifest
	handler     *httpclient.Handler
	envCreds    auth.Map
	schema      *schema.Validator
	cfg         config.ExecutorConfig
	io          config.IOConfig
	metrics     *metrics.Metrics
}

// New constructs an Executor. handler is shared read-only across every
// execution; pass httpclient.New() for real HTTP calls or
// httpclient.NewMock(...) for tests.
func New(m *manifest.Manifest, handler *httpclient.Handler, envCreds auth.Map, cfg config.ExecutorConfig, io config.IOConfig) *Executor {
	return &Executor{
		manifest: m,
		handler:  handler,
		envCreds: envCreds,
		schema:   schema.New(m),
		cfg:      cfg,
		io:       io,
		metrics:  metrics.New(),
	}
}

// Execute runs script to completion or failure, applying requestCreds over
// the environment-derived credentials and timeoutOverride (if non-zero) in
// place of the configured default timeout. A fresh Sandbox, IoContext, and
// Registry are constructed for this call alone and discarded afterward.
func (e *Executor) Execute(ctx context.Context, script string, requestCreds auth.Map, timeoutOverride time.Duration) (*Result, error) {
	execID := uuid.New().String()
	start := time.Now()
	log := slog.With("component", "executor", "execution_id", execID)

	timeout := e.cfg.Timeout()
	if timeoutOverride > 0 {
		timeout = timeoutOverride
	}

	// Bound here, not just inside Eval: SDK closures capture this ctx at
	// Install time, so an in-flight HTTP call is cancelled on the same
	// deadline as the VM's own timeout, instead of outliving it.
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sb := sandbox.New(sandbox.Config{MemoryLimitBytes: e.cfg.MemoryLimitBytes})
	defer sb.Close()

	var ioCtx *ioctx.Context
	if e.io.Enabled {
		ioCtx = ioctx.New(e.io.Root, e.io.MaxBytes)
		ioCtx.SetMetrics(e.metrics)
		sb.SetIO(ioctx.Install(sb.L, ioCtx, sb.OSTable()))
	}

	creds := auth.Merge(e.envCreds, requestCreds)
	reg := registry.New(e.manifest, e.handler, creds, e.cfg.MaxAPICalls)
	reg.SetSchemaValidator(e.schema)
	reg.SetMetrics(e.metrics)
	if err := reg.Install(sb.L, ctx, sb.SDK()); err != nil {
		e.metrics.RecordExecution("error", time.Since(start).Seconds())
		log.Error("failed to install sdk functions", "error", err)
		return nil, fmt.Errorf("executor: %w", err)
	}

	sb.Enable()

	luaVal, err := sb.Eval(ctx, script, timeout)
	duration := time.Since(start)
	logs := sb.Logs()

	if err != nil {
		outcome := "error"
		switch err {
		case sandbox.ErrTimeout:
			outcome = "timeout"
			e.metrics.RecordQuotaRejection("timeout")
		case sandbox.ErrMemoryLimit:
			outcome = "memory_limit"
		default:
			if reg.QuotaRejected() || (ioCtx != nil && ioCtx.QuotaRejected()) {
				outcome = "quota_rejected"
			}
		}
		e.metrics.RecordExecution(outcome, duration.Seconds())
		log.Warn("execution failed", "outcome", outcome, "error", err, "duration_ms", duration.Milliseconds())
		return nil, err
	}

	jsonVal, err := sandbox.ToJSON(luaVal)
	if err != nil {
		e.metrics.RecordExecution("error", duration.Seconds())
		log.Error("failed to convert return value to json", "error", err)
		return nil, fmt.Errorf("executor: converting return value: %w", err)
	}

	var filesTouched []ioctx.FileTouched
	if ioCtx != nil {
		filesTouched = ioCtx.CollectFinalState()
		for _, f := range filesTouched {
			e.metrics.RecordFileTouched(f.Op)
		}
	}

	apiCalls := reg.APICallCount()
	e.metrics.RecordExecution("success", duration.Seconds())
	log.Debug("execution succeeded", "api_calls", apiCalls, "duration_ms", duration.Milliseconds(), "log_lines", len(logs))

	return &Result{
		Value:        jsonVal,
		Logs:         logs,
		FilesTouched: filesTouched,
		Stats: Stats{
			APICalls:   apiCalls,
			DurationMS: duration.Milliseconds(),
		},
	}, nil
}
