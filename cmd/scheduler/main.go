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
	"github.com/vmharbor/vmharbor/internal/metrics"
	"github.com/vmharbor/vmharbor/internal/queue"
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

	sched := scheduler.NewScheduler(repo, jobQueue, collector, logger, cfg.Health.SweepInterval)

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Start(ctx)

	logger.Info("Scheduler started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down scheduler...")
	cancel()
	logger.Info("Scheduler stopped")
}
