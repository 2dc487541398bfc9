package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lifelog-app/lifelog/internal/config"
	"github.com/lifelog-app/lifelog/internal/localdb"
)

var loadConfig = config.Load

// setupLogging installs the process logger. Commands other than serve stay
// at warn unless log.level is debug.
func setupLogging(cfg config.Config, server bool) {
	level := slog.LevelWarn
	if server {
		level = slog.LevelInfo
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func openDB(ctx context.Context, cfg config.Config) (*localdb.DB, error) {
	db, err := localdb.Open(ctx, localdb.Options{
		DataDir:  cfg.Storage.DataDir,
		LogTTL:   cfg.Logs.TTL,
		LockTTL:  cfg.Worker.LockTTL,
		LeaseTTL: cfg.Leader.LeaseTTL,
		Logger:   slog.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// withDB loads config, opens the database and runs fn against it.
func withDB(ctx context.Context, fn func(cfg config.Config, db *localdb.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg, false)

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing database: %v\n", err)
		}
	}()
	return fn(cfg, db)
}
