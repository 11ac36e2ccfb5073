// Package orchestrator drives a tenant from "no VM" to "VM booting with
// DNS pointed at it". There is no long-lived workflow state: every call
// reads the persisted record, acts, and writes back, so a crash mid-way
// leaves a record an operator (or the next retry) can always reason about.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vmharbor/vmharbor/internal/compute"
	"github.com/vmharbor/vmharbor/internal/db"
	"github.com/vmharbor/vmharbor/internal/dnsprovider"
	"github.com/vmharbor/vmharbor/internal/metrics"
	"github.com/vmharbor/vmharbor/internal/subdomain"
)

// maxReserveAttempts bounds redraws when a candidate name loses the
// reservation race on the unique index.
const maxReserveAttempts = 5

var (
	ErrAlreadyProvisioning  = errors.New("provisioning already in progress")
	ErrAlreadyProvisioned   = errors.New("already provisioned")
	ErrSubscriptionRequired = errors.New("active subscription required")
)

// Store is the slice of the tenant record store the orchestrator mutates.
type Store interface {
	EnsureForTenant(ctx context.Context, tenantID string) (*db.TenantVM, error)
	GetByTenantID(ctx context.Context, tenantID string) (*db.TenantVM, error)
	SubdomainInUse(ctx context.Context, candidate string) (bool, error)
	ReserveSubdomain(ctx context.Context, tenantID, candidate string) error
	ClaimForProvisioning(ctx context.Context, tenantID string) error
	SaveProvisioned(ctx context.Context, tenantID, subdomain, ip, instanceID, secretHash string) error
	MarkError(ctx context.Context, tenantID, reason string, subdomain, ip, instanceID *string) error
	Reset(ctx context.Context, tenantID string) error
}

type ComputeProvider interface {
	CreateInstance(ctx context.Context, spec compute.InstanceSpec) (*compute.Instance, error)
	DeleteInstance(ctx context.Context, instanceID string) error
}

type DNSManager interface {
	CreateRecord(ctx context.Context, subdomain, ipv4 string) (*dnsprovider.Record, error)
	GetRecord(ctx context.Context, subdomain string) (*dnsprovider.Record, error)
	DeleteRecord(ctx context.Context, recordID string) error
}

// Resolver confirms DNS propagation after a record is created. Best
// effort: a negative answer is logged, never fatal.
type Resolver interface {
	ResolveA(ctx context.Context, fqdn string) ([]string, error)
}

type Config struct {
	BaseDomain   string
	RegisterURL  string
	SyncTimeout  time.Duration
	AsyncTimeout time.Duration
}

type Result struct {
	Subdomain string `json:"subdomain"`
	IP        string `json:"ip"`
}

type Orchestrator struct {
	store    Store
	compute  ComputeProvider
	dns      DNSManager
	resolver Resolver
	metrics  *metrics.Collector
	logger   *zap.Logger
	cfg      Config
}

func New(store Store, cp ComputeProvider, dm DNSManager, res Resolver, mc *metrics.Collector, logger *zap.Logger, cfg Config) *Orchestrator {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 90 * time.Second
	}
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		store:    store,
		compute:  cp,
		dns:      dm,
		resolver: res,
		metrics:  mc,
		logger:   logger,
		cfg:      cfg,
	}
}

// Provision runs the full workflow synchronously and returns once the
// record is persisted in provisioning status (or an error state). Bounded
// by the sync wall-clock ceiling since the caller is an HTTP request.
func (o *Orchestrator) Provision(ctx context.Context, tenantID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SyncTimeout)
	defer cancel()

	if err := o.claim(ctx, tenantID); err != nil {
		return nil, err
	}
	return o.run(ctx, tenantID)
}

// ProvisionAsync claims the record synchronously, so callers still get
// "already in progress" style rejections immediately, then finishes the
// workflow in the background. Failures are logged, not propagated; the
// record ends in the same terminal states the synchronous mode produces.
func (o *Orchestrator) ProvisionAsync(ctx context.Context, tenantID string) error {
	if err := o.claim(ctx, tenantID); err != nil {
		return err
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), o.cfg.AsyncTimeout)
		defer cancel()

		if _, err := o.run(bgCtx, tenantID); err != nil {
			o.logger.Error("Background provisioning failed",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// claim applies the status guards and performs the pending→provisioning
// compare-and-swap. The CAS, not the read, is what prevents two
// concurrent requests from both starting work.
func (o *Orchestrator) claim(ctx context.Context, tenantID string) error {
	vm, err := o.store.EnsureForTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load tenant record: %w", err)
	}

	switch vm.Status {
	case db.StatusProvisioning:
		return ErrAlreadyProvisioning
	case db.StatusReady:
		return ErrAlreadyProvisioned
	case db.StatusError:
		// A provision call on a failed record is the retry request:
		// clear the stale identifiers and re-enter pending.
		if err := o.store.Reset(ctx, tenantID); err != nil {
			return fmt.Errorf("reset failed record: %w", err)
		}
		o.logger.Info("Cleared failed record for retry", zap.String("tenant_id", tenantID))
	}

	if !vm.SubscriptionActive {
		return ErrSubscriptionRequired
	}

	if err := o.store.ClaimForProvisioning(ctx, tenantID); err != nil {
		if errors.Is(err, db.ErrWrongStatus) {
			// Lost the race to a concurrent request.
			return ErrAlreadyProvisioning
		}
		return fmt.Errorf("claim record: %w", err)
	}
	return nil
}

// run executes the ordered steps after the claim: allocate name, create
// instance, create DNS record, persist. Any failure after instance
// creation persists the identifiers obtained so far under an error
// status, so orphaned cloud resources never have to be dug out of logs.
func (o *Orchestrator) run(ctx context.Context, tenantID string) (*Result, error) {
	start := time.Now()

	name, err := o.reserveName(ctx, tenantID)
	if err != nil {
		return nil, o.fail(ctx, tenantID, err, nil, nil, nil)
	}
	log := o.logger.With(zap.String("tenant_id", tenantID), zap.String("subdomain", name))

	// The plaintext secret lives only in this frame and in the instance
	// boot configuration.
	secret, secretHash, err := newHandshakeSecret()
	if err != nil {
		return nil, o.fail(ctx, tenantID, err, &name, nil, nil)
	}

	userData, err := compute.RenderUserData(compute.BootConfig{
		Subdomain:   name,
		BaseDomain:  o.cfg.BaseDomain,
		RegisterURL: o.cfg.RegisterURL,
		Secret:      secret,
	})
	if err != nil {
		return nil, o.fail(ctx, tenantID, fmt.Errorf("render boot config: %w", err), &name, nil, nil)
	}

	inst, err := o.compute.CreateInstance(ctx, compute.InstanceSpec{Name: name, UserData: userData})
	if err != nil {
		return nil, o.fail(ctx, tenantID, fmt.Errorf("create instance: %w", err), &name, nil, nil)
	}
	log = log.With(zap.String("instance_id", inst.ID), zap.String("ip", inst.IPv4))
	log.Info("Compute instance created")

	if _, err := o.dns.CreateRecord(ctx, name, inst.IPv4); err != nil {
		return nil, o.fail(ctx, tenantID, fmt.Errorf("create dns record: %w", err), &name, &inst.IPv4, &inst.ID)
	}
	log.Info("DNS record created")

	if err := o.store.SaveProvisioned(ctx, tenantID, name, inst.IPv4, inst.ID, secretHash); err != nil {
		return nil, o.fail(ctx, tenantID, fmt.Errorf("persist record: %w", err), &name, &inst.IPv4, &inst.ID)
	}

	o.verifyPropagation(ctx, log, name, inst.IPv4)

	if o.metrics != nil {
		o.metrics.RecordProvision("success", time.Since(start))
	}
	log.Info("Provisioning workflow complete, waiting for VM registration")

	return &Result{Subdomain: name, IP: inst.IPv4}, nil
}

// reserveName allocates a candidate subdomain and writes it onto the
// claimed record. The availability check ignores error-status rows but
// the unique index does not, so a candidate can be rejected at the
// write; losing that race costs one more draw, nothing external exists
// yet.
func (o *Orchestrator) reserveName(ctx context.Context, tenantID string) (string, error) {
	alloc := subdomain.NewAllocator(o.store.SubdomainInUse)

	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		name, err := alloc.Allocate(ctx)
		if err != nil {
			return "", fmt.Errorf("allocate subdomain: %w", err)
		}

		err = o.store.ReserveSubdomain(ctx, tenantID, name)
		if err == nil {
			return name, nil
		}
		if errors.Is(err, db.ErrSubdomainTaken) {
			o.logger.Debug("Subdomain candidate lost the reservation race",
				zap.String("tenant_id", tenantID),
				zap.String("candidate", name),
			)
			continue
		}
		return "", fmt.Errorf("reserve subdomain: %w", err)
	}
	return "", fmt.Errorf("reserve subdomain: %w", db.ErrSubdomainTaken)
}

// fail persists the error state with whatever identifiers exist and
// returns the original error.
func (o *Orchestrator) fail(ctx context.Context, tenantID string, cause error, sub, ip, instanceID *string) error {
	if o.metrics != nil {
		o.metrics.RecordProvision("failure", 0)
	}

	// The workflow context is often already expired here: the deadline
	// itself is a failure cause. The error state must still land in the
	// store or the record is stranded in provisioning, rejecting every
	// retry until an admin reset.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.store.MarkError(persistCtx, tenantID, cause.Error(), sub, ip, instanceID); err != nil {
		o.logger.Error("Failed to persist error state",
			zap.String("tenant_id", tenantID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
	return cause
}

// verifyPropagation asks a public resolver whether the fresh record is
// visible yet. Informational only; negative answers are expected right
// after creation.
func (o *Orchestrator) verifyPropagation(ctx context.Context, log *zap.Logger, name, ip string) {
	if o.resolver == nil {
		return
	}

	fqdn := name + "." + o.cfg.BaseDomain
	addrs, err := o.resolver.ResolveA(ctx, fqdn)
	if err != nil {
		log.Debug("Propagation check failed", zap.Error(err))
		return
	}
	for _, a := range addrs {
		if a == ip {
			log.Info("DNS record already propagated")
			return
		}
	}
	log.Debug("DNS record not propagated yet", zap.Strings("resolved", addrs))
}

// Reset tears down whatever provider resources the record references,
// best effort, then clears the record back to pending. Admin operation.
func (o *Orchestrator) Reset(ctx context.Context, tenantID string) error {
	vm, err := o.store.GetByTenantID(ctx, tenantID)
	if err != nil {
		return err
	}

	if vm.ProviderInstanceID != nil {
		if err := o.compute.DeleteInstance(ctx, *vm.ProviderInstanceID); err != nil {
			o.logger.Warn("Instance teardown failed, leaving id for manual cleanup",
				zap.String("tenant_id", tenantID),
				zap.String("instance_id", *vm.ProviderInstanceID),
				zap.Error(err),
			)
		}
	}
	if vm.Subdomain != nil {
		if rec, err := o.dns.GetRecord(ctx, *vm.Subdomain); err == nil && rec != nil {
			if err := o.dns.DeleteRecord(ctx, rec.ID); err != nil {
				o.logger.Warn("DNS record teardown failed",
					zap.String("tenant_id", tenantID),
					zap.String("subdomain", *vm.Subdomain),
					zap.Error(err),
				)
			}
		}
	}

	if err := o.store.Reset(ctx, tenantID); err != nil {
		return fmt.Errorf("reset record: %w", err)
	}
	o.logger.Info("Tenant VM record reset", zap.String("tenant_id", tenantID))
	return nil
}

// newHandshakeSecret generates the one-time secret the VM will present at
// registration, plus the bcrypt hash that is the only thing persisted.
func newHandshakeSecret() (secret, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	secret = hex.EncodeToString(buf)

	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash secret: %w", err)
	}
	return secret, string(hashed), nil
}
