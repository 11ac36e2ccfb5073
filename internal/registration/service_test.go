package registration

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vmharbor/vmharbor/internal/db"
	"github.com/vmharbor/vmharbor/internal/faults"
)

type fakeStore struct {
	vm          *db.TenantVM
	markReadyN  int
	markReadyPK *string
	markErr     error
}

func (s *fakeStore) GetBySubdomain(ctx context.Context, subdomain string) (*db.TenantVM, error) {
	if s.vm == nil || s.vm.SubdomainString() != subdomain {
		return nil, faults.ErrNotFound
	}
	copy := *s.vm
	return &copy, nil
}

func (s *fakeStore) MarkReady(ctx context.Context, subdomain string, publicKey *string) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.markReadyN++
	s.markReadyPK = publicKey
	s.vm.Status = db.StatusReady
	s.vm.PublicKey = publicKey
	return nil
}

func hashOf(t *testing.T, secret string) *string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	s := string(h)
	return &s
}

func provisioningVM(t *testing.T, subdomain, secret string) *db.TenantVM {
	t.Helper()
	return &db.TenantVM{
		ID:             "vm-1",
		TenantID:       "t1",
		Status:         db.StatusProvisioning,
		Subdomain:      &subdomain,
		AuthSecretHash: hashOf(t, secret),
	}
}

func TestRegisterSuccess(t *testing.T) {
	store := &fakeStore{vm: provisioningVM(t, "brave-otter", "s3cret")}
	svc := NewService(store, nil, zap.NewNop())

	key := "ssh-ed25519 AAAA..."
	if err := svc.Register(context.Background(), "brave-otter", "s3cret", &key); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if store.markReadyN != 1 {
		t.Errorf("MarkReady calls = %d, want 1", store.markReadyN)
	}
	if store.markReadyPK == nil || *store.markReadyPK != key {
		t.Error("public key not passed through")
	}
	if store.vm.Status != db.StatusReady {
		t.Errorf("status = %s, want ready", store.vm.Status)
	}
}

func TestRegisterReplayConflicts(t *testing.T) {
	store := &fakeStore{vm: provisioningVM(t, "brave-otter", "s3cret")}
	svc := NewService(store, nil, zap.NewNop())

	if err := svc.Register(context.Background(), "brave-otter", "s3cret", nil); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	err := svc.Register(context.Background(), "brave-otter", "s3cret", nil)
	if !errors.Is(err, faults.ErrConflict) {
		t.Fatalf("replay Register() error = %v, want ErrConflict", err)
	}
	if store.markReadyN != 1 {
		t.Errorf("MarkReady calls = %d, want 1", store.markReadyN)
	}
}

func TestRegisterWrongSecret(t *testing.T) {
	store := &fakeStore{vm: provisioningVM(t, "brave-otter", "s3cret")}
	svc := NewService(store, nil, zap.NewNop())

	err := svc.Register(context.Background(), "brave-otter", "wrong", nil)
	if !errors.Is(err, faults.ErrUnauthorized) {
		t.Fatalf("Register() error = %v, want ErrUnauthorized", err)
	}
	if store.vm.Status != db.StatusProvisioning {
		t.Errorf("status = %s, want provisioning untouched", store.vm.Status)
	}
	if store.markReadyN != 0 {
		t.Error("MarkReady called despite secret mismatch")
	}
}

func TestRegisterUnknownSubdomain(t *testing.T) {
	svc := NewService(&fakeStore{}, nil, zap.NewNop())

	err := svc.Register(context.Background(), "no-such-name", "s3cret", nil)
	if !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("Register() error = %v, want ErrNotFound", err)
	}
}

func TestRegisterNoSecretOnRecord(t *testing.T) {
	sub := "brave-otter"
	store := &fakeStore{vm: &db.TenantVM{
		ID: "vm-1", TenantID: "t1", Status: db.StatusProvisioning, Subdomain: &sub,
	}}
	svc := NewService(store, nil, zap.NewNop())

	err := svc.Register(context.Background(), "brave-otter", "anything", nil)
	if !errors.Is(err, ErrNoSecretOnRecord) {
		t.Fatalf("Register() error = %v, want ErrNoSecretOnRecord", err)
	}
	if store.markReadyN != 0 {
		t.Error("MarkReady called without a verifiable secret")
	}
}

func TestRegisterLostWriteRaceConflicts(t *testing.T) {
	store := &fakeStore{
		vm:      provisioningVM(t, "brave-otter", "s3cret"),
		markErr: db.ErrWrongStatus,
	}
	svc := NewService(store, nil, zap.NewNop())

	err := svc.Register(context.Background(), "brave-otter", "s3cret", nil)
	if !errors.Is(err, faults.ErrConflict) {
		t.Fatalf("Register() error = %v, want ErrConflict", err)
	}
}
