// Package health supervises ready tenant machines: it probes each one,
// tracks consecutive failures on the record, and escalates persistent
// failures to an error status an operator or retry has to clear.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vmharbor/vmharbor/internal/db"
	"github.com/vmharbor/vmharbor/internal/metrics"
)

type Store interface {
	ListReady(ctx context.Context) ([]*db.TenantVM, error)
	RecordProbeSuccess(ctx context.Context, id string) error
	RecordProbeFailure(ctx context.Context, id, reason string) (int, error)
	EscalateToError(ctx context.Context, id, reason string) error
	CountByStatus(ctx context.Context) (map[db.VMStatus]int, error)
}

// Resolver enriches probe details with what the subdomain currently
// resolves to. Informational only; classification stays on the HTTP probe.
type Resolver interface {
	ResolveA(ctx context.Context, fqdn string) ([]string, error)
}

type Check struct {
	TenantID            string   `json:"tenant_id"`
	Subdomain           string   `json:"subdomain"`
	Healthy             bool     `json:"healthy"`
	StatusCode          int      `json:"status_code,omitempty"`
	Error               string   `json:"error,omitempty"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	MarkedAsError       bool     `json:"marked_as_error"`
	ResolvedIPs         []string `json:"resolved_ips,omitempty"`
	DurationMs          int64    `json:"duration_ms"`
}

type Summary struct {
	Total         int             `json:"total"`
	Healthy       int             `json:"healthy"`
	Unhealthy     int             `json:"unhealthy"`
	MarkedAsError int             `json:"marked_as_error"`
	Checks        []Check         `json:"checks"`
	BaseDomain    *BaseDomainInfo `json:"base_domain,omitempty"`
}

type Monitor struct {
	store    Store
	prober   Prober
	resolver Resolver
	base     *BaseDomainChecker
	metrics  *metrics.Collector
	logger   *zap.Logger

	baseDomain       string
	failureThreshold int
	workerCount      int
}

type Options struct {
	BaseDomain       string
	FailureThreshold int
	WorkerCount      int
	// BaseDomainChecker and Resolver are optional extras on the summary.
	BaseDomainChecker *BaseDomainChecker
	Resolver          Resolver
}

func NewMonitor(store Store, prober Prober, mc *metrics.Collector, logger *zap.Logger, opts Options) *Monitor {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 10
	}
	return &Monitor{
		store:            store,
		prober:           prober,
		resolver:         opts.Resolver,
		base:             opts.BaseDomainChecker,
		metrics:          mc,
		logger:           logger,
		baseDomain:       opts.BaseDomain,
		failureThreshold: opts.FailureThreshold,
		workerCount:      opts.WorkerCount,
	}
}

// CheckAll probes every ready tenant and returns the aggregate summary.
// Tenants are independent, so probes run on a bounded worker pool and a
// failing probe never aborts the sweep.
func (m *Monitor) CheckAll(ctx context.Context) (*Summary, error) {
	start := time.Now()

	vms, err := m.store.ListReady(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ready tenants: %w", err)
	}

	summary := &Summary{
		Total:  len(vms),
		Checks: make([]Check, len(vms)),
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < m.workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				summary.Checks[i] = m.checkOne(ctx, vms[i])
			}
		}()
	}
	for i := range vms {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, check := range summary.Checks {
		if check.Healthy {
			summary.Healthy++
		} else {
			summary.Unhealthy++
		}
		if check.MarkedAsError {
			summary.MarkedAsError++
		}
	}

	if m.base != nil {
		summary.BaseDomain = m.base.Check()
	}

	if m.metrics != nil {
		m.metrics.RecordSweep(time.Since(start))
		if counts, err := m.store.CountByStatus(ctx); err == nil {
			m.metrics.SetTenantCounts(counts)
		}
	}

	m.logger.Info("Health sweep complete",
		zap.Int("total", summary.Total),
		zap.Int("healthy", summary.Healthy),
		zap.Int("unhealthy", summary.Unhealthy),
		zap.Int("marked_as_error", summary.MarkedAsError),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, nil
}

// CheckOne probes a single tenant and applies the failure accounting.
// Used by the queue workers; CheckAll goes through the same path.
func (m *Monitor) CheckOne(ctx context.Context, vm *db.TenantVM) Check {
	return m.checkOne(ctx, vm)
}

func (m *Monitor) checkOne(ctx context.Context, vm *db.TenantVM) Check {
	check := Check{
		TenantID:  vm.TenantID,
		Subdomain: vm.SubdomainString(),
	}

	result := m.prober.Probe(ctx, vm)
	check.Healthy = result.Healthy
	check.StatusCode = result.StatusCode
	check.Error = result.Error
	check.DurationMs = result.Duration.Milliseconds()

	if m.metrics != nil {
		status := "unhealthy"
		if result.Healthy {
			status = "healthy"
		}
		m.metrics.RecordProbe(status, result.Duration)
	}

	if m.resolver != nil && vm.Subdomain != nil {
		if addrs, err := m.resolver.ResolveA(ctx, *vm.Subdomain+"."+m.baseDomain); err == nil {
			check.ResolvedIPs = addrs
		}
	}

	if result.Healthy {
		if err := m.store.RecordProbeSuccess(ctx, vm.ID); err != nil {
			m.logger.Error("Failed to record probe success",
				zap.String("tenant_id", vm.TenantID), zap.Error(err))
		}
		return check
	}

	failures, err := m.store.RecordProbeFailure(ctx, vm.ID, result.Error)
	if err != nil {
		m.logger.Error("Failed to record probe failure",
			zap.String("tenant_id", vm.TenantID), zap.Error(err))
		check.ConsecutiveFailures = vm.ConsecutiveFailures + 1
		return check
	}
	check.ConsecutiveFailures = failures

	m.logger.Warn("Tenant VM probe failed",
		zap.String("tenant_id", vm.TenantID),
		zap.String("subdomain", check.Subdomain),
		zap.String("error", result.Error),
		zap.Int("consecutive_failures", failures),
	)

	if failures >= m.failureThreshold {
		reason := fmt.Sprintf("health probe failed %d consecutive times: %s", failures, result.Error)
		if err := m.store.EscalateToError(ctx, vm.ID, reason); err != nil {
			m.logger.Error("Failed to escalate tenant VM",
				zap.String("tenant_id", vm.TenantID), zap.Error(err))
			return check
		}
		check.MarkedAsError = true
		if m.metrics != nil {
			m.metrics.RecordEscalation()
		}
		m.logger.Error("Tenant VM escalated to error",
			zap.String("tenant_id", vm.TenantID),
			zap.String("subdomain", check.Subdomain),
			zap.String("reason", reason),
		)
	}
	return check
}
