package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"portal/internal/api"
	"portal/internal/audit"
	"portal/internal/auth"
	"portal/internal/config"
	"portal/internal/db"
	"portal/internal/maintenance"
	"portal/internal/notify"
	"portal/internal/rate"
	"portal/internal/service"
	"portal/internal/store"
	"portal/internal/util"
	"portal/internal/version"
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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialect, err := db.ParseDialect(cfg.DBDriver)
	if err != nil {
		return err
	}
	sqdb, err := db.Open(dialect, cfg.DBDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		return err
	}
	defer sqdb.Close()
	if err := db.ApplyMigrations(sqdb, dialect); err != nil {
		return err
	}

	st := store.New(sqdb, dialect)
	if cfg.BootstrapAdminEmail != "" {
		if err := st.EnsureAdmin(ctx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminName, time.Now().UTC()); err != nil {
			return err
		}
		logger.Info("bootstrap admin ensured", zap.String("email", cfg.BootstrapAdminEmail))
	}

	sender := notify.NewSender(cfg, logger)
	g, gctx := errgroup.WithContext(ctx)

	var notifier notify.Dispatcher
	var pool *notify.PoolDispatcher
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		q := notify.NewRedisQueue(rdb, cfg.NotifyQueueKey, cfg.NotifyTimeout(), logger)
		g.Go(func() error { return q.Run(gctx, sender) })
		notifier = q
	} else {
		pool = notify.NewPoolDispatcher(sender, cfg.NotifyWorkers, cfg.NotifyTimeout(), logger)
		notifier = pool
	}

	var sink audit.Sink = audit.NewLogSink(logger)
	if len(cfg.AuditKafkaBrokers) > 0 {
		ks := audit.NewKafkaSink(cfg.AuditKafkaBrokers, cfg.AuditKafkaTopic, logger)
		defer ks.Close()
		sink = ks
	}

	svc := service.New(service.Deps{
		Users:    st,
		OTP:      auth.NewOTPManager(st, cfg.OTPPepper, cfg.OTPTTL()),
		Sessions: auth.NewSessionManager(st, cfg.SessionTTL()),
		CSRF:     auth.NewCSRFManager(st, cfg.CSRFTTL()),
		Limiter:  rate.NewLimiter(st, st, cfg.RateLimitMaxAttempts, cfg.RateLimitWindow()),
		Sender:   sender,
		Notifier: notifier,
		Audit:    sink,
		Log:      logger,
	})

	if cfg.CleanupIntervalMin > 0 {
		cleaner := maintenance.NewCleaner(st, time.Duration(cfg.AttemptRetentionHours)*time.Hour, logger)
		g.Go(func() error {
			return cleaner.Run(gctx, time.Duration(cfg.CleanupIntervalMin)*time.Minute)
		})
	}

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(cfg, svc, st, logger),
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	g.Go(func() error {
		logger.Info("listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("version", version.Current().Version),
			zap.String("db", string(dialect)),
		)
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("shutting down")
		if err := hsrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if pool != nil {
			return pool.Wait(shutdownCtx)
		}
		return nil
	})
	return g.Wait()
}
