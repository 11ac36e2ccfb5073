// Package scheduler feeds the probe queue and drains it. The scheduler
// half enqueues one job per ready tenant each tick; the worker half pops
// jobs and runs the probe through the health monitor. Probing through the
// queue spreads load and survives worker restarts; the synchronous
// /health-check sweep shares the same monitor underneath.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vmharbor/vmharbor/internal/db"
	"github.com/vmharbor/vmharbor/internal/metrics"
	"github.com/vmharbor/vmharbor/internal/queue"
)

type Store interface {
	ListReady(ctx context.Context) ([]*db.TenantVM, error)
}

type Scheduler struct {
	store    Store
	jobQueue *queue.RedisQueue
	metrics  *metrics.Collector
	logger   *zap.Logger
	interval time.Duration
}

func NewScheduler(store Store, jobQueue *queue.RedisQueue, mc *metrics.Collector, logger *zap.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		store:    store,
		jobQueue: jobQueue,
		metrics:  mc,
		logger:   logger,
		interval: interval,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting probe scheduler", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping probe scheduler")
			return
		case <-ticker.C:
			s.enqueueProbes(ctx)
		}
	}
}

func (s *Scheduler) enqueueProbes(ctx context.Context) {
	vms, err := s.store.ListReady(ctx)
	if err != nil {
		s.logger.Error("Failed to list ready tenants", zap.Error(err))
		return
	}

	queued := 0
	for _, vm := range vms {
		job := &queue.Job{
			ID:        uuid.New().String(),
			TenantID:  vm.TenantID,
			Subdomain: vm.SubdomainString(),
			CreatedAt: time.Now(),
		}
		if err := s.jobQueue.Push(ctx, job); err != nil {
			s.logger.Error("Failed to queue probe job",
				zap.String("tenant_id", vm.TenantID), zap.Error(err))
			continue
		}
		queued++
	}

	if s.metrics != nil {
		if depth, err := s.jobQueue.Length(ctx); err == nil {
			s.metrics.SetQueueDepth(depth)
		}
	}
	s.logger.Info("Scheduled probe jobs", zap.Int("queued", queued))
}
