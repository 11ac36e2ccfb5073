package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vmharbor/vmharbor/internal/faults"
)

// ErrSubdomainTaken is returned when the unique index on subdomain rejects
// a write. Allocation is check-then-act, so the insert is the real arbiter.
var ErrSubdomainTaken = errors.New("subdomain already taken")

// ErrWrongStatus is returned when a conditional status update matched no
// row, meaning the record was not in the expected state.
var ErrWrongStatus = errors.New("record not in expected status")

type Repository struct {
	db *sqlx.DB
}

func NewConnection(databaseURL string, maxConns, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping() error {
	return r.db.Ping()
}

// EnsureForTenant creates the tenant's VM record in pending status if it
// does not exist yet, and returns the current record either way.
func (r *Repository) EnsureForTenant(ctx context.Context, tenantID string) (*TenantVM, error) {
	query := `
		INSERT INTO tenant_vms (id, tenant_id, status, created_at, updated_at)
		VALUES ($1, $2, 'pending', NOW(), NOW())
		ON CONFLICT (tenant_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, uuid.New().String(), tenantID); err != nil {
		return nil, err
	}
	return r.GetByTenantID(ctx, tenantID)
}

func (r *Repository) GetByTenantID(ctx context.Context, tenantID string) (*TenantVM, error) {
	var vm TenantVM
	err := r.db.GetContext(ctx, &vm, `SELECT * FROM tenant_vms WHERE tenant_id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

func (r *Repository) GetBySubdomain(ctx context.Context, subdomain string) (*TenantVM, error) {
	var vm TenantVM
	err := r.db.GetContext(ctx, &vm, `SELECT * FROM tenant_vms WHERE subdomain = $1`, subdomain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

// SubdomainInUse reports whether any record that is not in error status
// already holds the candidate name. Failed records do not block reuse.
func (r *Repository) SubdomainInUse(ctx context.Context, subdomain string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM tenant_vms WHERE subdomain = $1 AND status != 'error'`
	if err := r.db.GetContext(ctx, &count, query, subdomain); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ReserveSubdomain writes the candidate name onto the claimed record
// before any provider resources exist. The unique index is the real
// arbiter: an error-status row still holding the name, or a concurrent
// workflow that picked the same candidate, surfaces as ErrSubdomainTaken
// and the caller draws another name at no cleanup cost.
func (r *Repository) ReserveSubdomain(ctx context.Context, tenantID, subdomain string) error {
	query := `
		UPDATE tenant_vms SET subdomain = $2, updated_at = NOW()
		WHERE tenant_id = $1 AND status = 'provisioning'`

	res, err := r.db.ExecContext(ctx, query, tenantID, subdomain)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSubdomainTaken
		}
		return err
	}
	return requireOneRow(res)
}

// ClaimForProvisioning is the compare-and-swap that closes the race between
// checking status and starting work: only one caller can move the record
// from pending to provisioning.
func (r *Repository) ClaimForProvisioning(ctx context.Context, tenantID string) error {
	query := `
		UPDATE tenant_vms SET status = 'provisioning', updated_at = NOW()
		WHERE tenant_id = $1 AND status = 'pending'`

	res, err := r.db.ExecContext(ctx, query, tenantID)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// SaveProvisioned writes the identifiers obtained from the providers along
// with the secret hash. The unique index on subdomain is the authoritative
// reservation; a violation surfaces as ErrSubdomainTaken.
func (r *Repository) SaveProvisioned(ctx context.Context, tenantID, subdomain, ip, instanceID, secretHash string) error {
	query := `
		UPDATE tenant_vms SET
			subdomain = $2,
			ip = $3,
			provider_instance_id = $4,
			auth_secret_hash = $5,
			updated_at = NOW()
		WHERE tenant_id = $1 AND status = 'provisioning'`

	res, err := r.db.ExecContext(ctx, query, tenantID, subdomain, ip, instanceID, secretHash)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSubdomainTaken
		}
		return err
	}
	return requireOneRow(res)
}

// MarkError records a failed provisioning attempt, keeping whatever
// identifiers were obtained so orphaned cloud resources stay findable.
func (r *Repository) MarkError(ctx context.Context, tenantID, reason string, subdomain, ip, instanceID *string) error {
	query := `
		UPDATE tenant_vms SET
			status = 'error',
			last_failure_reason = $2,
			subdomain = COALESCE($3, subdomain),
			ip = COALESCE($4, ip),
			provider_instance_id = COALESCE($5, provider_instance_id),
			updated_at = NOW()
		WHERE tenant_id = $1`

	_, err := r.db.ExecContext(ctx, query, tenantID, reason, subdomain, ip, instanceID)
	return err
}

// MarkReady completes the registration handshake: provisioning becomes
// ready exactly once, stamping provisioned_at.
func (r *Repository) MarkReady(ctx context.Context, subdomain string, publicKey *string) error {
	query := `
		UPDATE tenant_vms SET
			status = 'ready',
			public_key = COALESCE($2, public_key),
			provisioned_at = NOW(),
			consecutive_failures = 0,
			last_failure_reason = NULL,
			updated_at = NOW()
		WHERE subdomain = $1 AND status = 'provisioning'`

	res, err := r.db.ExecContext(ctx, query, subdomain, publicKey)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// Reset clears all provisioned state and returns the record to pending.
func (r *Repository) Reset(ctx context.Context, tenantID string) error {
	query := `
		UPDATE tenant_vms SET
			status = 'pending',
			subdomain = NULL,
			ip = NULL,
			provider_instance_id = NULL,
			auth_secret_hash = NULL,
			public_key = NULL,
			provisioned_at = NULL,
			consecutive_failures = 0,
			last_failure_reason = NULL,
			updated_at = NOW()
		WHERE tenant_id = $1`

	res, err := r.db.ExecContext(ctx, query, tenantID)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (r *Repository) ListReady(ctx context.Context) ([]*TenantVM, error) {
	vms := []*TenantVM{}
	query := `SELECT * FROM tenant_vms WHERE status = 'ready' ORDER BY created_at`
	err := r.db.SelectContext(ctx, &vms, query)
	return vms, err
}

// RecordProbeSuccess zeroes the consecutive failure counter.
func (r *Repository) RecordProbeSuccess(ctx context.Context, id string) error {
	query := `
		UPDATE tenant_vms SET consecutive_failures = 0, last_failure_reason = NULL, updated_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// RecordProbeFailure increments the consecutive failure counter in a single
// statement and returns the new count.
func (r *Repository) RecordProbeFailure(ctx context.Context, id, reason string) (int, error) {
	var count int
	query := `
		UPDATE tenant_vms SET
			consecutive_failures = consecutive_failures + 1,
			last_failure_reason = $2,
			updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures`

	err := r.db.GetContext(ctx, &count, query, id, reason)
	return count, err
}

// EscalateToError flips a ready record into error after repeated probe
// failures. Conditional on ready so a concurrent reset wins.
func (r *Repository) EscalateToError(ctx context.Context, id, reason string) error {
	query := `
		UPDATE tenant_vms SET status = 'error', last_failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'ready'`

	res, err := r.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// SetSubscriptionActive is written by the billing webhook collaborator.
func (r *Repository) SetSubscriptionActive(ctx context.Context, tenantID string, active bool) error {
	query := `UPDATE tenant_vms SET subscription_active = $2, updated_at = NOW() WHERE tenant_id = $1`
	res, err := r.db.ExecContext(ctx, query, tenantID, active)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// CountByStatus feeds the tenants-by-status gauge.
func (r *Repository) CountByStatus(ctx context.Context) (map[VMStatus]int, error) {
	rows := []struct {
		Status VMStatus `db:"status"`
		Count  int      `db:"count"`
	}{}
	query := `SELECT status, COUNT(*) AS count FROM tenant_vms GROUP BY status`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}

	counts := make(map[VMStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrWrongStatus
	}
	return nil
}
