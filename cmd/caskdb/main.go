package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"caskdb/internal/http"
	"caskdb/pkg/engine"
	"caskdb/pkg/metrics"
)

const defaultConfigPath = "config.yaml"

func main() {
	if err := run(); err != nil {
		slog.Error("caskdb stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", envOr("CASKDB_CONFIG", defaultConfigPath), "path to YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	initLogger(&cfg)

	registry := metrics.NewRegistry()

	opts := engine.OptionsFromConfig(cfg.DB)
	opts.Metrics = registry

	db, err := engine.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open store at %s: %w", cfg.DB.Path, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()

	server := http.NewServer(db, registry, strconv.Itoa(cfg.Server.Port))
	if err := server.Start(); err != nil {
		return err
	}

	slog.Info("caskdb started", "dir", cfg.DB.Path, "pattern", cfg.DB.Pattern, "max_writes", cfg.DB.MaxWrites)

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("failed to stop server", "error", err)
	}

	slog.Info("caskdb stopped")
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
