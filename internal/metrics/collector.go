package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vmharbor/vmharbor/internal/config"
	"github.com/vmharbor/vmharbor/internal/db"
)

type Collector struct {
	config *config.RemoteWriteConfig

	// Provisioning
	provisionsTotal   *prometheus.CounterVec
	provisionDuration prometheus.Histogram

	// Registration handshake
	registrationsTotal *prometheus.CounterVec

	// Health supervision
	probesTotal      *prometheus.CounterVec
	probeDuration    prometheus.Histogram
	escalationsTotal prometheus.Counter
	sweepDuration    prometheus.Histogram

	// Fleet state
	tenantsByStatus *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
}

// NewCollector registers the orchestrator metrics on the given registerer.
// Tests pass a fresh registry; the binaries pass the default one.
func NewCollector(cfg config.RemoteWriteConfig, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		config: &cfg,

		provisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vmharbor_provisions_total",
			Help: "Provisioning attempts by outcome",
		}, []string{"result"}),
		provisionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vmharbor_provision_duration_seconds",
			Help:    "Wall-clock duration of the provisioning workflow",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),

		registrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vmharbor_registrations_total",
			Help: "VM registration handshakes by outcome",
		}, []string{"result"}),

		probesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vmharbor_probes_total",
			Help: "Liveness probes by outcome",
		}, []string{"status"}),
		probeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vmharbor_probe_duration_seconds",
			Help:    "Duration of individual liveness probes",
			Buckets: prometheus.DefBuckets,
		}),
		escalationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "vmharbor_escalations_total",
			Help: "Tenants escalated to error after repeated probe failures",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vmharbor_health_sweep_duration_seconds",
			Help:    "Duration of full health sweeps",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		tenantsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vmharbor_tenant_vms",
			Help: "Tenant VM records by status",
		}, []string{"status"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vmharbor_probe_queue_depth",
			Help: "Jobs waiting in the probe queue",
		}),
	}
}

func (c *Collector) RecordProvision(result string, elapsed time.Duration) {
	c.provisionsTotal.WithLabelValues(result).Inc()
	c.provisionDuration.Observe(elapsed.Seconds())
}

func (c *Collector) RecordRegistration(result string) {
	c.registrationsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordProbe(status string, elapsed time.Duration) {
	c.probesTotal.WithLabelValues(status).Inc()
	c.probeDuration.Observe(elapsed.Seconds())
}

func (c *Collector) RecordEscalation() {
	c.escalationsTotal.Inc()
}

func (c *Collector) RecordSweep(elapsed time.Duration) {
	c.sweepDuration.Observe(elapsed.Seconds())
}

func (c *Collector) SetTenantCounts(counts map[db.VMStatus]int) {
	for _, status := range []db.VMStatus{db.StatusPending, db.StatusProvisioning, db.StatusReady, db.StatusError} {
		c.tenantsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) SetQueueDepth(n int64) {
	c.queueDepth.Set(float64(n))
}
