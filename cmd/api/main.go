package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vmharbor/vmharbor/internal/api"
	"github.com/vmharbor/vmharbor/internal/api/handlers"
	"github.com/vmharbor/vmharbor/internal/compute"
	"github.com/vmharbor/vmharbor/internal/config"
	"github.com/vmharbor/vmharbor/internal/db"
	"github.com/vmharbor/vmharbor/internal/dnsprovider"
	"github.com/vmharbor/vmharbor/internal/health"
	"github.com/vmharbor/vmharbor/internal/metrics"
	"github.com/vmharbor/vmharbor/internal/orchestrator"
	"github.com/vmharbor/vmharbor/internal/registration"
	"github.com/vmharbor/vmharbor/internal/resolver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Missing provider credentials must be loud at startup, not
	// discovered mid-provisioning.
	if cfg.DNS.APIToken == "" {
		logger.Error("DNS_API_TOKEN is not set; DNS operations will fail")
	}
	if cfg.Compute.APIToken == "" {
		logger.Error("COMPUTE_API_TOKEN is not set; provisioning will fail")
	}

	// Database
	if err := db.Migrate(cfg.Database.URL); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	database, err := db.NewConnection(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()
	repo := db.NewRepository(database)

	// Metrics
	collector := metrics.NewCollector(cfg.RemoteWrite, prometheus.DefaultRegisterer)

	// Provider clients
	dnsClient := dnsprovider.NewClient(dnsprovider.Config{
		APIToken:          cfg.DNS.APIToken,
		BaseURL:           cfg.DNS.BaseURL,
		ZoneName:          cfg.DNS.ZoneName,
		RecordTTL:         cfg.DNS.RecordTTL,
		RequestsPerSecond: cfg.DNS.RequestsPerSecond,
	})
	computeClient := compute.NewClient(compute.Config{
		APIToken:          cfg.Compute.APIToken,
		BaseURL:           cfg.Compute.BaseURL,
		ServerType:        cfg.Compute.ServerType,
		Image:             cfg.Compute.Image,
		Location:          cfg.Compute.Location,
		RequestsPerSecond: cfg.Compute.RequestsPerSecond,
	})

	// Services
	orch := orchestrator.New(repo, computeClient, dnsClient, resolver.New(), collector, logger, orchestrator.Config{
		BaseDomain:   cfg.Domain.Base,
		RegisterURL:  cfg.Domain.RegisterURL,
		SyncTimeout:  cfg.Provision.SyncTimeout,
		AsyncTimeout: cfg.Provision.AsyncTimeout,
	})
	registrar := registration.NewService(repo, collector, logger)
	prober := health.NewHTTPProber(cfg.Health.Scheme, cfg.Domain.Base, cfg.Health.Path, cfg.Health.ProbeTimeout)
	monitor := health.NewMonitor(repo, prober, collector, logger, health.Options{
		BaseDomain:        cfg.Domain.Base,
		FailureThreshold:  cfg.Health.FailureThreshold,
		WorkerCount:       cfg.Health.WorkerCount,
		BaseDomainChecker: health.NewBaseDomainChecker(cfg.Domain.Base),
		Resolver:          resolver.New(),
	})

	// API server
	handler := handlers.NewHandler(repo, orch, registrar, monitor, logger)
	server := api.NewServer(cfg, handler, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go collector.StartRemoteWrite(ctx, prometheus.DefaultGatherer, logger)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
