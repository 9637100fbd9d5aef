// Command apiscript is a thin demonstration shell around the script
// execution core: it loads a manifest and a YAML config, builds one
// Executor, and runs a single script read from a file or stdin, printing
// the ExecutionResult as JSON. Binding credentials, subprocess supervision,
// and MCP tool wiring live outside this binary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apiscript-runtime/internal/config"
	"apiscript-runtime/pkg/apiscript"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "apiscript",
		Short: "Run sandboxed scripts against an API manifest",
	}

	root.PersistentFlags().String("config", "apiscript.yaml", "path to the YAML config file")
	root.PersistentFlags().String("manifest", "", "path to the manifest file (overrides config's manifest.path)")
	root.PersistentFlags().Duration("timeout", 0, "per-execution timeout override (0 uses the config default)")

	viper.SetEnvPrefix("apiscript")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("manifest", root.PersistentFlags().Lookup("manifest"))
	_ = viper.BindPFlag("timeout", root.PersistentFlags().Lookup("timeout"))

	root.AddCommand(newRunCommand())
	root.AddCommand(newValidateCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var scriptPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a script and print its result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := readScript(scriptPath)
			if err != nil {
				return fmt.Errorf("reading script: %w", err)
			}

			rt, cfg, err := loadRuntime()
			if err != nil {
				return err
			}
			configureLogging(cfg.Log)

			timeout := viper.GetDuration("timeout")
			ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout(cfg, timeout))
			defer cancel()

			res, err := rt.Run(ctx, script, nil, timeout)
			if err != nil {
				return fmt.Errorf("execution failed: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&scriptPath, "script", "-", "path to the script file, or - for stdin")
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the manifest and config without executing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := loadRuntime()
			if err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func loadRuntime() (*apiscript.Runtime, *config.Config, error) {
	cfgPath := viper.GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config %s: %w", cfgPath, err)
	}

	if m := viper.GetString("manifest"); m != "" {
		cfg.Manifest.Path = m
	}

	rt, err := apiscript.New(apiscript.Config{
		ManifestPath: cfg.Manifest.Path,
		Executor:     cfg.Executor,
		IO:           cfg.IO,
	})
	if err != nil {
		return nil, nil, err
	}
	return rt, cfg, nil
}

func resolveTimeout(cfg *config.Config, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return cfg.Executor.Timeout()
}

func readScript(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func configureLogging(cfg config.LogConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
