// Command cleanup runs a single maintenance pass and exits. It is meant for
// cron or a systemd timer when the server runs with CLEANUP_INTERVAL_MIN=0.
package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/zap"

	"portal/internal/config"
	"portal/internal/db"
	"portal/internal/maintenance"
	"portal/internal/store"
	"portal/internal/util"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := util.InitLogger(cfg.Env, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	dialect, err := db.ParseDialect(cfg.DBDriver)
	if err != nil {
		logger.Fatal("db driver", zap.Error(err))
	}
	sqdb, err := db.Open(dialect, cfg.DBDSN, 1, 1, time.Minute)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer sqdb.Close()
	if err := db.ApplyMigrations(sqdb, dialect); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	cleaner := maintenance.NewCleaner(store.New(sqdb, dialect), time.Duration(cfg.AttemptRetentionHours)*time.Hour, logger)
	if _, err := cleaner.Cleanup(ctx); err != nil {
		logger.Error("cleanup failed", zap.Error(err))
		_ = sqdb.Close()
		_ = logger.Sync()
		log.Fatal("cleanup failed")
	}
}
