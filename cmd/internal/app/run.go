package app

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
)

// Options carries CLI overrides on top of the loaded configuration.
type Options struct {
	ConfigPath string
	LogLevel   string
}

// Run is the CLI entrypoint used by cmd/docsync.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(opts Options) error {
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if lvl := strings.TrimSpace(opts.LogLevel); lvl != "" {
		cfg.Log.Level = lvl
	}

	log := NewLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return New(cfg, log).Run(ctx)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
