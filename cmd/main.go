package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"usernotify/internal/config"
	"usernotify/internal/httpserver"
	"usernotify/internal/publisher"
	"usernotify/internal/repository"
	"usernotify/internal/rwms"
	"usernotify/internal/service"
	"usernotify/pkg/db"
	"usernotify/pkg/logger"
	"usernotify/pkg/mq"
	"usernotify/pkg/redisqueue"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()

	log.Info("Starting user notification service",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.Int("loop_interval_minutes", cfg.LoopIntervalMinutes),
		zap.Bool("sync_user_progress", cfg.SyncUserProgress),
	)

	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()

	rdb, err := redisqueue.NewClient(cfg.Redis, log)
	if err != nil {
		log.Fatal("Failed to init Redis", zap.Error(err))
	}
	defer rdb.Close()

	mqPublisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer mqPublisher.Close()

	ledgerRepo := repository.NewLedgerRepo(dbConn, log)
	trafficRepo := repository.NewTrafficRepo(dbConn, log)
	eventLogRepo := repository.NewEventLogRepo(dbConn, log)

	directory := rwms.NewClient(cfg.RWMS, log)
	bots := publisher.NewRedisPublisher(rdb, log)
	analytics := publisher.NewAnalyticsPublisher(mqPublisher, log)

	reconciler := service.NewReconciler(
		service.NewExpirationFinder(ledgerRepo, log),
		service.NewExpiredFinder(ledgerRepo, log),
		service.NewDormantFinder(ledgerRepo, log),
		service.NewTrafficWatcher(trafficRepo, directory, cfg.SyncUserProgress, log),
		directory,
		ledgerRepo,
		bots,
		analytics,
		eventLogRepo,
		log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := httpserver.NewRouter(log, dbConn)
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router.Engine,
	}
	go func() {
		log.Info("HTTP server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	interval := time.Duration(cfg.LoopIntervalMinutes) * time.Minute
	runCycleLoop(ctx, reconciler, interval, log)

	log.Info("Shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Shutdown complete")
}

// runCycleLoop runs one reconciliation cycle, then sleeps the full interval
// after the cycle completes. Shutdown is honored at the top of each cycle;
// a started cycle runs to completion.
func runCycleLoop(ctx context.Context, reconciler *service.Reconciler, interval time.Duration, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			log.Info("Received shutdown signal")
			return
		default:
		}

		// A started cycle is never cancelled mid-flight.
		if err := reconciler.RunCycle(context.Background()); err != nil {
			log.Error("Iteration error", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			log.Info("Received shutdown signal")
			return
		case <-time.After(interval):
		}
	}
}
