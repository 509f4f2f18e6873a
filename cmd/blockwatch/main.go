// Command blockwatch runs the Blockwatch log-watching and webhook
// delivery service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"blockwatch/internal/config"
	"blockwatch/internal/store"
	"blockwatch/internal/supervisor"
)

func main() {
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "blockwatch: invalid log level: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log, flag.Args()); err != nil {
		log.Fatal("blockwatch exited", zap.Error(err))
	}
}

func run(log *zap.Logger, configFiles []string) error {
	cfg, err := config.Load(configFiles)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating store: %w", err)
	}

	log.Info("starting blockwatch",
		zap.Int("networks", len(cfg.Networks)),
		zap.Int("hooks", len(cfg.Hooks)),
		zap.String("admin_addr", cfg.AdminAddr),
	)

	sup := supervisor.New(cfg, st, log)
	if err := sup.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("supervisor: %w", err)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	return cfg.Build()
}
