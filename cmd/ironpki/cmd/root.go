package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironpki/config"
	"github.com/jmcleod/ironpki/internal/bootstrap"
	"github.com/jmcleod/ironpki/storage"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=v1.2.3".
var Version = "dev"

var (
	cfgFile    string
	dataDir    string
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "ironpki",
	Short: "IronPKI manages certificate authorities and certificate renewal",
	Long: `A small PKI lifecycle service: create root CAs, accept signing requests,
issue leaf certificates and renew them automatically as they expire.
Complete documentation is available at https://github.com/jmcleod/ironpki`,
	Version:      Version,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for persistent data (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

// loadConfig layers command-line flags over the configuration file and
// environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := map[string]any{}
	if cmd.Flags().Changed("data-dir") {
		overrides["data_dir"] = dataDir
	}
	if cmd.Flags().Changed("log-level") {
		overrides["log.level"] = logLevel
	}
	return config.Load(cfgFile, overrides)
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
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
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// withRuntime loads configuration, builds the runtime, runs fn and tears the
// runtime down again.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *bootstrap.Runtime) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := bootstrap.New(ctx, cfg, logger)
	if errors.Is(err, storage.ErrLocked) {
		return fmt.Errorf("%w\nanother ironpki process, usually \"ironpki server\", holds the data directory %s; "+
			"use its HTTP API under /api/v1 (listening on %s) or stop it first", err, cfg.DataDir, cfg.Server.Addr)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("closing runtime", "error", err)
		}
	}()
	return fn(ctx, rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
