package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vmharbor/vmharbor/internal/config"
	"github.com/vmharbor/vmharbor/internal/db"
	"github.com/vmharbor/vmharbor/internal/health"
	"github.com/vmharbor/vmharbor/internal/metrics"
	"github.com/vmharbor/vmharbor/internal/queue"
	"github.com/vmharbor/vmharbor/internal/resolver"
	"github.com/vmharbor/vmharbor/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	database, err := db.NewConnection(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()
	repo := db.NewRepository(database)

	redisClient, err := queue.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()
	jobQueue := queue.NewRedisQueue(redisClient)

	collector := metrics.NewCollector(cfg.RemoteWrite, prometheus.DefaultRegisterer)

	prober := health.NewHTTPProber(cfg.Health.Scheme, cfg.Domain.Base, cfg.Health.Path, cfg.Health.ProbeTimeout)
	monitor := health.NewMonitor(repo, prober, collector, logger, health.Options{
		BaseDomain:       cfg.Domain.Base,
		FailureThreshold: cfg.Health.FailureThreshold,
		WorkerCount:      cfg.Health.WorkerCount,
		Resolver:         resolver.New(),
	})

	pool := scheduler.NewWorkerPool(repo, monitor, jobQueue, logger, cfg.Health.WorkerCount)

	ctx, cancel := context.WithCancel(context.Background())
	go collector.StartRemoteWrite(ctx, prometheus.DefaultGatherer, logger)
	go pool.Start(ctx)

	logger.Info("Worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()
	logger.Info("Worker exited")
}
