package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vmharbor/vmharbor/internal/db"
	"github.com/vmharbor/vmharbor/internal/faults"
	"github.com/vmharbor/vmharbor/internal/health"
	"github.com/vmharbor/vmharbor/internal/queue"
)

type WorkerStore interface {
	GetByTenantID(ctx context.Context, tenantID string) (*db.TenantVM, error)
}

// WorkerPool drains the probe queue. Each job is looked up fresh so a
// tenant reset or escalated between scheduling and execution is skipped.
type WorkerPool struct {
	store    WorkerStore
	monitor  *health.Monitor
	jobQueue *queue.RedisQueue
	logger   *zap.Logger
	count    int
	wg       sync.WaitGroup
}

func NewWorkerPool(store WorkerStore, monitor *health.Monitor, jobQueue *queue.RedisQueue, logger *zap.Logger, count int) *WorkerPool {
	if count <= 0 {
		count = 10
	}
	return &WorkerPool{
		store:    store,
		monitor:  monitor,
		jobQueue: jobQueue,
		logger:   logger,
		count:    count,
	}
}

func (p *WorkerPool) Start(ctx context.Context) {
	p.logger.Info("Starting probe workers", zap.Int("worker_count", p.count))

	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.runWorker(ctx, p.logger.With(zap.Int("worker_id", id)))
		}(i)
	}
	p.wg.Wait()
}

func (p *WorkerPool) runWorker(ctx context.Context, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.jobQueue.Pop(ctx, 5*time.Second)
		if err != nil {
			if errors.Is(err, queue.ErrTimeout) || ctx.Err() != nil {
				continue
			}
			logger.Error("Failed to pop probe job", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		p.processJob(ctx, logger, job)
	}
}

func (p *WorkerPool) processJob(ctx context.Context, logger *zap.Logger, job *queue.Job) {
	vm, err := p.store.GetByTenantID(ctx, job.TenantID)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			return
		}
		logger.Error("Failed to load tenant for probe job",
			zap.String("tenant_id", job.TenantID), zap.Error(err))
		return
	}

	// Only ready machines are supervised; the record may have moved on
	// since the job was queued.
	if vm.Status != db.StatusReady {
		logger.Debug("Skipping probe, tenant no longer ready",
			zap.String("tenant_id", vm.TenantID),
			zap.String("status", string(vm.Status)),
		)
		return
	}

	check := p.monitor.CheckOne(ctx, vm)
	logger.Debug("Probe complete",
		zap.String("tenant_id", check.TenantID),
		zap.Bool("healthy", check.Healthy),
		zap.Bool("marked_as_error", check.MarkedAsError),
	)
}
