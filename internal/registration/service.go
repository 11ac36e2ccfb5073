// Package registration handles the one-time callback a freshly booted VM
// makes to prove it is the machine the orchestrator provisioned.
package registration

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vmharbor/vmharbor/internal/db"
	"github.com/vmharbor/vmharbor/internal/faults"
	"github.com/vmharbor/vmharbor/internal/metrics"
)

// ErrNoSecretOnRecord means the record carries no hash to verify against.
// That only happens on records written by a degraded legacy flow; the
// handshake refuses them rather than trusting the first caller.
var ErrNoSecretOnRecord = errors.New("no handshake secret on record")

type Store interface {
	GetBySubdomain(ctx context.Context, subdomain string) (*db.TenantVM, error)
	MarkReady(ctx context.Context, subdomain string, publicKey *string) error
}

type Service struct {
	store   Store
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewService(store Store, mc *metrics.Collector, logger *zap.Logger) *Service {
	return &Service{store: store, metrics: mc, logger: logger}
}

// Register verifies the provided secret against the stored hash and flips
// the tenant to ready. One-shot: a replay against a ready record is
// rejected with a conflict.
func (s *Service) Register(ctx context.Context, subdomain, providedSecret string, publicKey *string) error {
	vm, err := s.store.GetBySubdomain(ctx, subdomain)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			s.record("not_found")
			return faults.ErrNotFound
		}
		return fmt.Errorf("load record: %w", err)
	}

	if vm.Status == db.StatusReady {
		s.record("replay")
		return faults.ErrConflict
	}

	if vm.AuthSecretHash == nil || *vm.AuthSecretHash == "" {
		s.record("no_secret")
		return ErrNoSecretOnRecord
	}

	// bcrypt comparison is constant time over the digest.
	if err := bcrypt.CompareHashAndPassword([]byte(*vm.AuthSecretHash), []byte(providedSecret)); err != nil {
		// The subdomain is logged for operational visibility; the
		// presented secret never is.
		s.logger.Warn("Registration secret mismatch", zap.String("subdomain", subdomain))
		s.record("unauthorized")
		return faults.ErrUnauthorized
	}

	if err := s.store.MarkReady(ctx, subdomain, publicKey); err != nil {
		if errors.Is(err, db.ErrWrongStatus) {
			// Another registration call won between our read and write.
			s.record("replay")
			return faults.ErrConflict
		}
		return fmt.Errorf("mark ready: %w", err)
	}

	s.logger.Info("VM registered",
		zap.String("subdomain", subdomain),
		zap.String("tenant_id", vm.TenantID),
	)
	s.record("success")
	return nil
}

func (s *Service) record(result string) {
	if s.metrics != nil {
		s.metrics.RecordRegistration(result)
	}
}
