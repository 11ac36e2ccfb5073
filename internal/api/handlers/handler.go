package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/vmharbor/vmharbor/internal/db"
	"github.com/vmharbor/vmharbor/internal/health"
	"github.com/vmharbor/vmharbor/internal/orchestrator"
)

// Store is what the handlers read and write directly; everything
// state-machine shaped goes through the services instead.
type Store interface {
	Ping() error
	EnsureForTenant(ctx context.Context, tenantID string) (*db.TenantVM, error)
	GetByTenantID(ctx context.Context, tenantID string) (*db.TenantVM, error)
	SetSubscriptionActive(ctx context.Context, tenantID string, active bool) error
}

type Provisioner interface {
	Provision(ctx context.Context, tenantID string) (*orchestrator.Result, error)
	ProvisionAsync(ctx context.Context, tenantID string) error
	Reset(ctx context.Context, tenantID string) error
}

type Registrar interface {
	Register(ctx context.Context, subdomain, providedSecret string, publicKey *string) error
}

type HealthSweeper interface {
	CheckAll(ctx context.Context) (*health.Summary, error)
}

type Handler struct {
	store   Store
	orch    Provisioner
	reg     Registrar
	monitor HealthSweeper
	logger  *zap.Logger
}

func NewHandler(store Store, orch Provisioner, reg Registrar, monitor HealthSweeper, logger *zap.Logger) *Handler {
	return &Handler{
		store:   store,
		orch:    orch,
		reg:     reg,
		monitor: monitor,
		logger:  logger,
	}
}
