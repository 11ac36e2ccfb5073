package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vmharbor/vmharbor/internal/compute"
	"github.com/vmharbor/vmharbor/internal/db"
	"github.com/vmharbor/vmharbor/internal/dnsprovider"
	"github.com/vmharbor/vmharbor/internal/faults"
)

type fakeStore struct {
	mu           sync.Mutex
	vms          map[string]*db.TenantVM
	taken        map[string]bool
	resets       int
	reserveCalls int
	// first N reservations collide on the unique index
	reserveRejects int
	saveErr        error
	claimErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		vms:   make(map[string]*db.TenantVM),
		taken: make(map[string]bool),
	}
}

func (s *fakeStore) seed(vm *db.TenantVM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vms[vm.TenantID] = vm
}

func (s *fakeStore) get(tenantID string) *db.TenantVM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vms[tenantID]
}

func (s *fakeStore) EnsureForTenant(ctx context.Context, tenantID string) (*db.TenantVM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vm, ok := s.vms[tenantID]; ok {
		copy := *vm
		return &copy, nil
	}
	vm := &db.TenantVM{ID: "vm-" + tenantID, TenantID: tenantID, Status: db.StatusPending}
	s.vms[tenantID] = vm
	copy := *vm
	return &copy, nil
}

func (s *fakeStore) GetByTenantID(ctx context.Context, tenantID string) (*db.TenantVM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[tenantID]
	if !ok {
		return nil, faults.ErrNotFound
	}
	copy := *vm
	return &copy, nil
}

func (s *fakeStore) SubdomainInUse(ctx context.Context, candidate string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taken[candidate], nil
}

func (s *fakeStore) ReserveSubdomain(ctx context.Context, tenantID, candidate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserveCalls++
	if s.reserveRejects > 0 {
		s.reserveRejects--
		return db.ErrSubdomainTaken
	}
	if s.taken[candidate] {
		return db.ErrSubdomainTaken
	}
	vm := s.vms[tenantID]
	if vm == nil || vm.Status != db.StatusProvisioning {
		return db.ErrWrongStatus
	}
	vm.Subdomain = &candidate
	return nil
}

func (s *fakeStore) ClaimForProvisioning(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return s.claimErr
	}
	vm := s.vms[tenantID]
	if vm == nil || vm.Status != db.StatusPending {
		return db.ErrWrongStatus
	}
	vm.Status = db.StatusProvisioning
	return nil
}

func (s *fakeStore) SaveProvisioned(ctx context.Context, tenantID, subdomain, ip, instanceID, secretHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	vm := s.vms[tenantID]
	if vm == nil || vm.Status != db.StatusProvisioning {
		return db.ErrWrongStatus
	}
	vm.Subdomain = &subdomain
	vm.IP = &ip
	vm.ProviderInstanceID = &instanceID
	vm.AuthSecretHash = &secretHash
	return nil
}

func (s *fakeStore) MarkError(ctx context.Context, tenantID, reason string, subdomain, ip, instanceID *string) error {
	// Mirrors driver behavior: a dead context never reaches the database.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vm := s.vms[tenantID]
	if vm == nil {
		return faults.ErrNotFound
	}
	vm.Status = db.StatusError
	vm.LastFailureReason = &reason
	if subdomain != nil {
		vm.Subdomain = subdomain
	}
	if ip != nil {
		vm.IP = ip
	}
	if instanceID != nil {
		vm.ProviderInstanceID = instanceID
	}
	return nil
}

func (s *fakeStore) Reset(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm := s.vms[tenantID]
	if vm == nil {
		return faults.ErrNotFound
	}
	s.resets++
	active := vm.SubscriptionActive
	*vm = db.TenantVM{ID: vm.ID, TenantID: vm.TenantID, Status: db.StatusPending, SubscriptionActive: active}
	return nil
}

type fakeCompute struct {
	mu       sync.Mutex
	err      error
	userData string
	creates  int
	deleted  []string
}

func (f *fakeCompute) CreateInstance(ctx context.Context, spec compute.InstanceSpec) (*compute.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.err != nil {
		return nil, f.err
	}
	f.userData = spec.UserData
	return &compute.Instance{ID: "i-4711", IPv4: "203.0.113.10"}, nil
}

func (f *fakeCompute) DeleteInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, instanceID)
	return nil
}

type fakeDNS struct {
	mu      sync.Mutex
	err     error
	created []string
	deleted []string
}

func (f *fakeDNS) CreateRecord(ctx context.Context, subdomain, ipv4 string) (*dnsprovider.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, subdomain)
	return &dnsprovider.Record{ID: "rec-1", Name: subdomain, Type: "A", Content: ipv4}, nil
}

func (f *fakeDNS) GetRecord(ctx context.Context, subdomain string) (*dnsprovider.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range f.created {
		if name == subdomain {
			return &dnsprovider.Record{ID: "rec-1", Name: subdomain}, nil
		}
	}
	return &dnsprovider.Record{ID: "rec-1", Name: subdomain}, nil
}

func (f *fakeDNS) DeleteRecord(ctx context.Context, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, recordID)
	return nil
}

func newTestOrchestrator(store *fakeStore, cp *fakeCompute, dm *fakeDNS) *Orchestrator {
	return New(store, cp, dm, nil, nil, zap.NewNop(), Config{
		BaseDomain:  "vmharbor.dev",
		RegisterURL: "https://api.vmharbor.dev/register",
	})
}

func secretFromUserData(t *testing.T, userData string) string {
	t.Helper()
	for _, line := range strings.Split(userData, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "VMHARBOR_AUTH_SECRET=") {
			return strings.TrimPrefix(line, "VMHARBOR_AUTH_SECRET=")
		}
	}
	t.Fatal("user data does not contain the handshake secret")
	return ""
}

func TestProvisionSuccess(t *testing.T) {
	store := newFakeStore()
	store.seed(&db.TenantVM{ID: "vm-1", TenantID: "t1", Status: db.StatusPending, SubscriptionActive: true})
	cp := &fakeCompute{}
	dm := &fakeDNS{}

	result, err := newTestOrchestrator(store, cp, dm).Provision(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	vm := store.get("t1")
	if vm.Status != db.StatusProvisioning {
		t.Errorf("status = %s, want provisioning", vm.Status)
	}
	if vm.SubdomainString() != result.Subdomain {
		t.Errorf("persisted subdomain = %q, returned %q", vm.SubdomainString(), result.Subdomain)
	}
	if result.IP != "203.0.113.10" || vm.IPString() != "203.0.113.10" {
		t.Errorf("ip = %q / %q, want 203.0.113.10", result.IP, vm.IPString())
	}
	if vm.ProviderInstanceID == nil || *vm.ProviderInstanceID != "i-4711" {
		t.Errorf("instance id not persisted")
	}
	if len(dm.created) != 1 || dm.created[0] != result.Subdomain {
		t.Errorf("dns records created = %v, want [%s]", dm.created, result.Subdomain)
	}

	// The hash on record must verify against the secret embedded into
	// the instance boot configuration, and only the hash is stored.
	secret := secretFromUserData(t, cp.userData)
	if vm.AuthSecretHash == nil {
		t.Fatal("secret hash not persisted")
	}
	if *vm.AuthSecretHash == secret {
		t.Fatal("plaintext secret persisted")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*vm.AuthSecretHash), []byte(secret)); err != nil {
		t.Errorf("stored hash does not verify the embedded secret: %v", err)
	}
}

func TestProvisionRejectsByStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  db.VMStatus
		wantErr error
	}{
		{name: "already provisioning", status: db.StatusProvisioning, wantErr: ErrAlreadyProvisioning},
		{name: "already provisioned", status: db.StatusReady, wantErr: ErrAlreadyProvisioned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := "brave-otter"
			store := newFakeStore()
			store.seed(&db.TenantVM{
				ID: "vm-1", TenantID: "t1", Status: tt.status,
				Subdomain: &sub, SubscriptionActive: true,
			})
			cp := &fakeCompute{}
			dm := &fakeDNS{}

			_, err := newTestOrchestrator(store, cp, dm).Provision(context.Background(), "t1")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Provision() error = %v, want %v", err, tt.wantErr)
			}

			vm := store.get("t1")
			if vm.Status != tt.status {
				t.Errorf("status mutated to %s", vm.Status)
			}
			if vm.SubdomainString() != sub {
				t.Errorf("subdomain mutated to %q", vm.SubdomainString())
			}
			if len(dm.created) != 0 {
				t.Error("dns record created despite rejection")
			}
		})
	}
}

func TestProvisionRequiresSubscription(t *testing.T) {
	store := newFakeStore()
	store.seed(&db.TenantVM{ID: "vm-1", TenantID: "t1", Status: db.StatusPending})

	_, err := newTestOrchestrator(store, &fakeCompute{}, &fakeDNS{}).Provision(context.Background(), "t1")
	if !errors.Is(err, ErrSubscriptionRequired) {
		t.Fatalf("Provision() error = %v, want ErrSubscriptionRequired", err)
	}
	if store.get("t1").Status != db.StatusPending {
		t.Error("record mutated despite missing subscription")
	}
}

func TestProvisionComputeFailureMarksError(t *testing.T) {
	store := newFakeStore()
	store.seed(&db.TenantVM{ID: "vm-1", TenantID: "t1", Status: db.StatusPending, SubscriptionActive: true})
	cp := &fakeCompute{err: faults.NewUpstreamError("compute", "server limit reached")}

	_, err := newTestOrchestrator(store, cp, &fakeDNS{}).Provision(context.Background(), "t1")
	if !faults.IsUpstreamError(err) {
		t.Fatalf("Provision() error = %v, want UpstreamError", err)
	}

	vm := store.get("t1")
	if vm.Status != db.StatusError {
		t.Errorf("status = %s, want error", vm.Status)
	}
	if vm.LastFailureReason == nil || !strings.Contains(*vm.LastFailureReason, "server limit reached") {
		t.Error("failure reason not recorded")
	}
	if vm.SubdomainString() == "" {
		t.Error("allocated subdomain not persisted on failure")
	}
}

func TestProvisionDNSFailureKeepsInstanceID(t *testing.T) {
	store := newFakeStore()
	store.seed(&db.TenantVM{ID: "vm-1", TenantID: "t1", Status: db.StatusPending, SubscriptionActive: true})
	cp := &fakeCompute{}
	dm := &fakeDNS{err: faults.NewUpstreamError("dns", "zone unavailable")}

	_, err := newTestOrchestrator(store, cp, dm).Provision(context.Background(), "t1")
	if !faults.IsUpstreamError(err) {
		t.Fatalf("Provision() error = %v, want UpstreamError", err)
	}

	// The instance exists on the provider; its identifiers must be
	// findable from the record, not from logs.
	vm := store.get("t1")
	if vm.Status != db.StatusError {
		t.Errorf("status = %s, want error", vm.Status)
	}
	if vm.ProviderInstanceID == nil || *vm.ProviderInstanceID != "i-4711" {
		t.Error("orphaned instance id not persisted")
	}
	if vm.IPString() != "203.0.113.10" {
		t.Error("instance address not persisted")
	}
}

func TestProvisionOnErrorRecordRetries(t *testing.T) {
	sub := "old-name"
	ip := "198.51.100.1"
	inst := "i-dead"
	store := newFakeStore()
	store.seed(&db.TenantVM{
		ID: "vm-1", TenantID: "t1", Status: db.StatusError,
		Subdomain: &sub, IP: &ip, ProviderInstanceID: &inst,
		SubscriptionActive: true,
	})
	cp := &fakeCompute{}

	result, err := newTestOrchestrator(store, cp, &fakeDNS{}).Provision(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if store.resets != 1 {
		t.Errorf("resets = %d, want 1", store.resets)
	}

	vm := store.get("t1")
	if vm.Status != db.StatusProvisioning {
		t.Errorf("status = %s, want provisioning", vm.Status)
	}
	if vm.SubdomainString() == "old-name" {
		t.Error("stale subdomain survived the retry")
	}
	if result.Subdomain == "old-name" {
		t.Error("retry reused the failed record's subdomain")
	}
}

func TestProvisionAsyncReachesSameTerminalState(t *testing.T) {
	store := newFakeStore()
	store.seed(&db.TenantVM{ID: "vm-1", TenantID: "t1", Status: db.StatusPending, SubscriptionActive: true})
	cp := &fakeCompute{}

	if err := newTestOrchestrator(store, cp, &fakeDNS{}).ProvisionAsync(context.Background(), "t1"); err != nil {
		t.Fatalf("ProvisionAsync() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		vm := store.get("t1")
		if vm.Status == db.StatusProvisioning && vm.Subdomain != nil && vm.AuthSecretHash != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background workflow did not complete, status = %s", vm.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProvisionAsyncRejectsImmediately(t *testing.T) {
	store := newFakeStore()
	store.seed(&db.TenantVM{ID: "vm-1", TenantID: "t1", Status: db.StatusProvisioning, SubscriptionActive: true})

	err := newTestOrchestrator(store, &fakeCompute{}, &fakeDNS{}).ProvisionAsync(context.Background(), "t1")
	if !errors.Is(err, ErrAlreadyProvisioning) {
		t.Fatalf("ProvisionAsync() error = %v, want ErrAlreadyProvisioning", err)
	}
}

func TestResetTearsDownProviderResources(t *testing.T) {
	sub := "brave-otter"
	ip := "203.0.113.10"
	inst := "i-4711"
	hash := "$2a$10$notarealhash"
	store := newFakeStore()
	store.seed(&db.TenantVM{
		ID: "vm-1", TenantID: "t1", Status: db.StatusReady,
		Subdomain: &sub, IP: &ip, ProviderInstanceID: &inst, AuthSecretHash: &hash,
		SubscriptionActive: true,
	})
	cp := &fakeCompute{}
	dm := &fakeDNS{created: []string{"brave-otter"}}

	if err := newTestOrchestrator(store, cp, dm).Reset(context.Background(), "t1"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	if len(cp.deleted) != 1 || cp.deleted[0] != "i-4711" {
		t.Errorf("deleted instances = %v, want [i-4711]", cp.deleted)
	}
	if len(dm.deleted) != 1 {
		t.Errorf("deleted dns records = %v, want one", dm.deleted)
	}

	vm := store.get("t1")
	if vm.Status != db.StatusPending {
		t.Errorf("status = %s, want pending", vm.Status)
	}
	if vm.Subdomain != nil || vm.IP != nil || vm.ProviderInstanceID != nil || vm.AuthSecretHash != nil {
		t.Error("reset did not clear provisioned fields")
	}
}

// blockingCompute hangs until the workflow deadline fires, the way a
// stalled provider does.
type blockingCompute struct {
	fakeCompute
}

func (b *blockingCompute) CreateInstance(ctx context.Context, spec compute.InstanceSpec) (*compute.Instance, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProvisionTimeoutStillPersistsErrorState(t *testing.T) {
	store := newFakeStore()
	store.seed(&db.TenantVM{ID: "vm-1", TenantID: "t1", Status: db.StatusPending, SubscriptionActive: true})
	orch := New(store, &blockingCompute{}, &fakeDNS{}, nil, nil, zap.NewNop(), Config{
		BaseDomain:  "vmharbor.dev",
		RegisterURL: "https://api.vmharbor.dev/register",
		SyncTimeout: 50 * time.Millisecond,
	})

	_, err := orch.Provision(context.Background(), "t1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Provision() error = %v, want deadline exceeded", err)
	}

	// The workflow deadline killed the provider call, but the error state
	// must survive it: a record left in provisioning rejects every retry.
	vm := store.get("t1")
	if vm.Status != db.StatusError {
		t.Fatalf("status after timeout = %s, want error", vm.Status)
	}
	if vm.LastFailureReason == nil || *vm.LastFailureReason == "" {
		t.Error("failure reason not persisted")
	}

	// The next provision call is the retry and must get through.
	retry := newTestOrchestrator(store, &fakeCompute{}, &fakeDNS{})
	if _, err := retry.Provision(context.Background(), "t1"); err != nil {
		t.Fatalf("retry Provision() error = %v", err)
	}
	if got := store.get("t1").Status; got != db.StatusProvisioning {
		t.Errorf("status after retry = %s, want provisioning", got)
	}
}

func TestProvisionNameCollisionRedraws(t *testing.T) {
	store := newFakeStore()
	store.seed(&db.TenantVM{ID: "vm-1", TenantID: "t1", Status: db.StatusPending, SubscriptionActive: true})
	store.reserveRejects = 2
	cp := &fakeCompute{}

	result, err := newTestOrchestrator(store, cp, &fakeDNS{}).Provision(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if store.reserveCalls != 3 {
		t.Errorf("reservation attempts = %d, want 3", store.reserveCalls)
	}
	if cp.creates != 1 {
		t.Errorf("instances created = %d, want 1", cp.creates)
	}
	if got := store.get("t1").SubdomainString(); got != result.Subdomain {
		t.Errorf("reserved name = %q, returned %q", got, result.Subdomain)
	}
}

func TestProvisionNameExhaustionFailsBeforeProviders(t *testing.T) {
	store := newFakeStore()
	store.seed(&db.TenantVM{ID: "vm-1", TenantID: "t1", Status: db.StatusPending, SubscriptionActive: true})
	store.reserveRejects = 1000
	cp := &fakeCompute{}
	dm := &fakeDNS{}

	_, err := newTestOrchestrator(store, cp, dm).Provision(context.Background(), "t1")
	if !errors.Is(err, db.ErrSubdomainTaken) {
		t.Fatalf("Provision() error = %v, want ErrSubdomainTaken", err)
	}
	if cp.creates != 0 {
		t.Error("instance created despite no reserved name")
	}
	if len(dm.created) != 0 {
		t.Error("dns record created despite no reserved name")
	}
	if store.get("t1").Status != db.StatusError {
		t.Error("exhaustion not persisted as error state")
	}
}

func TestConcurrentProvisionOnlyOneWins(t *testing.T) {
	store := newFakeStore()
	store.seed(&db.TenantVM{ID: "vm-1", TenantID: "t1", Status: db.StatusPending, SubscriptionActive: true})
	orch := newTestOrchestrator(store, &fakeCompute{}, &fakeDNS{})

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orch.Provision(context.Background(), "t1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrAlreadyProvisioning) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("successful provisions = %d, want exactly 1", succeeded)
	}
}
