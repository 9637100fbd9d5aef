// Package apiscript is the single import an external caller — typically an
// MCP tool server — needs to load a manifest and run sandboxed scripts
// against it. It wires internal/manifest, internal/auth, internal/httpclient,
// and internal/executor behind a small surface and owns nothing those
// packages don't already own: Runtime is a thin, reusable handle around one
// loaded manifest and its environment-derived credentials.
package apiscript

import (
	"context"
	"fmt"
	"os"
	"time"

	"apiscript-runtime/internal/auth"
	"apiscript-runtime/internal/config"
	"apiscript-runtime/internal/executor"
	"apiscript-runtime/internal/httpclient"
	"apiscript-runtime/internal/manifest"
)

// Result is the outcome of one script execution.
type Result = executor.Result

// Config configures a Runtime. Executor and IO mirror the executor and io
// sections of the on-disk YAML config; ManifestPath names the manifest file
// to load. Zero values apply the same defaults config.Load would.
type Config struct {
	ManifestPath string
	Executor     config.ExecutorConfig
	IO           config.IOConfig
}

// Runtime loads a manifest once and runs any number of scripts against it.
// A Runtime is safe for concurrent use: each Run constructs a fresh sandbox,
// IO context, and registry internally.
type Runtime struct {
	exec *executor.Executor
}

// New loads the manifest at cfg.ManifestPath, resolves credentials from the
// environment, and returns a ready-to-use Runtime.
func New(cfg Config) (*Runtime, error) {
	data, err := os.ReadFile(cfg.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("apiscript: reading manifest: %w", err)
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("apiscript: decoding manifest: %w", err)
	}

	execCfg := cfg.Executor
	if execCfg.TimeoutMS <= 0 {
		execCfg.TimeoutMS = 5000
	}
	ioCfg := cfg.IO
	if ioCfg.Enabled && ioCfg.MaxBytes <= 0 {
		ioCfg.MaxBytes = 10 << 20 // 10MB
	}

	envCreds := auth.FromEnv(m)
	exec := executor.New(m, httpclient.New(), envCreds, execCfg, ioCfg)
	return &Runtime{exec: exec}, nil
}

// NewFromConfigFile loads a full YAML config (manifest path, executor and IO
// settings included) the way the CLI does.
func NewFromConfigFile(path string) (*Runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("apiscript: loading config: %w", err)
	}
	return New(Config{
		ManifestPath: cfg.Manifest.Path,
		Executor:     cfg.Executor,
		IO:           cfg.IO,
	})
}

// Run executes script to completion or failure. requestCreds overrides the
// environment-derived credentials for this call only and may be nil.
// timeout, if non-zero, overrides the configured default for this call only.
func (r *Runtime) Run(ctx context.Context, script string, requestCreds auth.Map, timeout time.Duration) (*Result, error) {
	return r.exec.Execute(ctx, script, requestCreds, timeout)
}
