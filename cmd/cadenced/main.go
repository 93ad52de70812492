package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"cadence/engine"
	"cadence/engine/adapters/httpapi"
	"cadence/storage"
)

type fileConfig struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
	Redis    struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
	Engine engine.Config `yaml:"engine"`
}

func loadConfig(path string) (fileConfig, error) {
	cfg := fileConfig{Listen: ":8080"}
	cfg.Redis.Addr = "localhost:6379"
	cfg.Engine = engine.Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(logLevel(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	deps := engine.Dependencies{Redis: rdb, Logger: logger}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.DSN != "" {
		store, err := storage.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			logger.Error("open store", "error", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()
		if err := store.Migrate(ctx); err != nil {
			logger.Error("migrate store", "error", err)
			os.Exit(1)
		}
		deps.Store = store
	}

	eng, err := engine.New(cfg.Engine, deps)
	if err != nil {
		logger.Error("build engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(ctx); err != nil {
		logger.Error("start engine", "error", err)
		os.Exit(1)
	}

	if *configPath != "" {
		go watchConfig(ctx, *configPath, logger, levelVar)
	}

	api := httpapi.NewServer(eng, httpapi.ServerOptions{})
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Warn("engine drain incomplete", "error", err)
	}
}

// watchConfig re-reads the config on file changes and applies the
// runtime-tunable subset: log level. Invalid updates are logged and
// skipped; structural changes require a restart.
func watchConfig(ctx context.Context, path string, logger *slog.Logger, levelVar *slog.LevelVar) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(path); err != nil {
		logger.Warn("config watch failed", "path", path, "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := loadConfig(path)
			if err != nil {
				logger.Warn("config reload skipped", "error", err)
				continue
			}
			levelVar.Set(logLevel(cfg.LogLevel))
			logger.Info("config reloaded", "log_level", cfg.LogLevel)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
