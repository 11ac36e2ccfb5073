package db

import (
	"time"
)

type VMStatus string

const (
	StatusPending      VMStatus = "pending"
	StatusProvisioning VMStatus = "provisioning"
	StatusReady        VMStatus = "ready"
	StatusError        VMStatus = "error"
)

// TenantVM is the single durable record of a tenant's dedicated machine.
// Every component of the lifecycle reads the current row, acts, and writes
// back; nothing else remembers in-flight work between invocations.
type TenantVM struct {
	ID       string   `json:"id" db:"id"`
	TenantID string   `json:"tenant_id" db:"tenant_id"`
	Status   VMStatus `json:"status" db:"status"`

	Subdomain          *string `json:"subdomain,omitempty" db:"subdomain"`
	IP                 *string `json:"ip,omitempty" db:"ip"`
	ProviderInstanceID *string `json:"provider_instance_id,omitempty" db:"provider_instance_id"`

	// AuthSecretHash is the bcrypt hash of the handshake secret embedded
	// into the machine at provisioning time. The plaintext is never stored.
	AuthSecretHash *string `json:"-" db:"auth_secret_hash"`
	PublicKey      *string `json:"public_key,omitempty" db:"public_key"`

	SubscriptionActive  bool       `json:"subscription_active" db:"subscription_active"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	LastFailureReason   *string    `json:"last_failure_reason,omitempty" db:"last_failure_reason"`
	ProvisionedAt       *time.Time `json:"provisioned_at,omitempty" db:"provisioned_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SubdomainString returns the subdomain or "" when none is assigned.
func (v *TenantVM) SubdomainString() string {
	if v.Subdomain == nil {
		return ""
	}
	return *v.Subdomain
}

// IPString returns the machine address or "" when none is assigned.
func (v *TenantVM) IPString() string {
	if v.IP == nil {
		return ""
	}
	return *v.IP
}
