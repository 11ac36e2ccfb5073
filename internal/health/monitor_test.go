package health

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vmharbor/vmharbor/internal/db"
)

type fakeStore struct {
	mu        sync.Mutex
	vms       []*db.TenantVM
	failures  map[string]int
	escalated map[string]string
	listErr   error
}

func newFakeStore(vms ...*db.TenantVM) *fakeStore {
	return &fakeStore{
		vms:       vms,
		failures:  make(map[string]int),
		escalated: make(map[string]string),
	}
}

func (s *fakeStore) ListReady(ctx context.Context) ([]*db.TenantVM, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.vms, nil
}

func (s *fakeStore) RecordProbeSuccess(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id] = 0
	return nil
}

func (s *fakeStore) RecordProbeFailure(ctx context.Context, id, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id]++
	return s.failures[id], nil
}

func (s *fakeStore) EscalateToError(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalated[id] = reason
	return nil
}

func (s *fakeStore) CountByStatus(ctx context.Context) (map[db.VMStatus]int, error) {
	return map[db.VMStatus]int{db.StatusReady: len(s.vms)}, nil
}

// fakeProber fails tenants listed in down, succeeds for everyone else.
type fakeProber struct {
	down map[string]bool
}

func (p *fakeProber) Probe(ctx context.Context, vm *db.TenantVM) ProbeResult {
	if p.down[vm.TenantID] {
		return ProbeResult{Error: "probe failed: connection refused"}
	}
	return ProbeResult{Healthy: true, StatusCode: http.StatusOK}
}

func readyVM(i int) *db.TenantVM {
	sub := fmt.Sprintf("tenant-%d", i)
	return &db.TenantVM{
		ID:        fmt.Sprintf("vm-%d", i),
		TenantID:  fmt.Sprintf("t%d", i),
		Status:    db.StatusReady,
		Subdomain: &sub,
	}
}

func TestCheckAllCountsHealthyAndUnhealthy(t *testing.T) {
	var vms []*db.TenantVM
	for i := 0; i < 10; i++ {
		vms = append(vms, readyVM(i))
	}
	store := newFakeStore(vms...)
	prober := &fakeProber{down: map[string]bool{"t2": true, "t5": true, "t7": true}}
	m := NewMonitor(store, prober, nil, zap.NewNop(), Options{WorkerCount: 4})

	summary, err := m.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if summary.Total != 10 || summary.Healthy != 7 || summary.Unhealthy != 3 {
		t.Errorf("summary = %d/%d/%d, want 10/7/3",
			summary.Total, summary.Healthy, summary.Unhealthy)
	}
	if summary.MarkedAsError != 0 {
		t.Errorf("MarkedAsError = %d after a single failure, want 0", summary.MarkedAsError)
	}
	if len(summary.Checks) != 10 {
		t.Fatalf("checks = %d, want 10", len(summary.Checks))
	}
	// Results land at the index of their tenant regardless of worker order.
	for i, check := range summary.Checks {
		if want := fmt.Sprintf("t%d", i); check.TenantID != want {
			t.Errorf("checks[%d].TenantID = %s, want %s", i, check.TenantID, want)
		}
	}
}

func TestCheckAllEscalatesAtThreshold(t *testing.T) {
	store := newFakeStore(readyVM(0), readyVM(1))
	prober := &fakeProber{down: map[string]bool{"t1": true}}
	m := NewMonitor(store, prober, nil, zap.NewNop(), Options{FailureThreshold: 3})

	for sweep := 1; sweep <= 3; sweep++ {
		summary, err := m.CheckAll(context.Background())
		if err != nil {
			t.Fatalf("sweep %d: CheckAll() error = %v", sweep, err)
		}
		wantMarked := 0
		if sweep == 3 {
			wantMarked = 1
		}
		if summary.MarkedAsError != wantMarked {
			t.Errorf("sweep %d: MarkedAsError = %d, want %d", sweep, summary.MarkedAsError, wantMarked)
		}
	}

	if reason, ok := store.escalated["vm-1"]; !ok {
		t.Error("failing tenant not escalated after threshold")
	} else if reason == "" {
		t.Error("escalation reason empty")
	}
	if _, ok := store.escalated["vm-0"]; ok {
		t.Error("healthy tenant escalated")
	}
}

func TestRecoveryResetsFailureCounter(t *testing.T) {
	store := newFakeStore(readyVM(0))
	prober := &fakeProber{down: map[string]bool{"t0": true}}
	m := NewMonitor(store, prober, nil, zap.NewNop(), Options{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		if _, err := m.CheckAll(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	// Recovery before the threshold zeroes the streak.
	prober.down = map[string]bool{}
	if _, err := m.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.failures["vm-0"] != 0 {
		t.Errorf("failures after recovery = %d, want 0", store.failures["vm-0"])
	}

	prober.down = map[string]bool{"t0": true}
	summary, err := m.CheckAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.MarkedAsError != 0 {
		t.Error("escalated on first failure of a fresh streak")
	}
	if len(store.escalated) != 0 {
		t.Error("tenant escalated despite recovery resetting the counter")
	}
}

func TestCheckOneHTTPProbeClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantHealthy bool
	}{
		{name: "200 ok", status: http.StatusOK, wantHealthy: true},
		{name: "204 no content", status: http.StatusNoContent, wantHealthy: true},
		{name: "500 error", status: http.StatusInternalServerError, wantHealthy: false},
		{name: "404 not found", status: http.StatusNotFound, wantHealthy: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			prober := NewHTTPProber("https", "vmharbor.dev", "/healthz", 5*time.Second)
			prober.TargetFunc = func(vm *db.TenantVM) string { return srv.URL + "/healthz" }

			store := newFakeStore()
			m := NewMonitor(store, prober, nil, zap.NewNop(), Options{})

			check := m.CheckOne(context.Background(), readyVM(0))
			if check.Healthy != tt.wantHealthy {
				t.Errorf("Healthy = %v, want %v", check.Healthy, tt.wantHealthy)
			}
			if check.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", check.StatusCode, tt.status)
			}
		})
	}
}

func TestCheckOneUnreachableTarget(t *testing.T) {
	// Closed port: the probe must come back as a failure with a reason,
	// not an error that aborts the caller.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := srv.URL
	srv.Close()

	prober := NewHTTPProber("https", "vmharbor.dev", "/healthz", time.Second)
	prober.TargetFunc = func(vm *db.TenantVM) string { return target }

	store := newFakeStore()
	m := NewMonitor(store, prober, nil, zap.NewNop(), Options{})

	check := m.CheckOne(context.Background(), readyVM(0))
	if check.Healthy {
		t.Error("probe against a closed port reported healthy")
	}
	if check.Error == "" {
		t.Error("failure carries no reason")
	}
	if check.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", check.ConsecutiveFailures)
	}
}

func TestProberBuildsTargetFromSubdomain(t *testing.T) {
	prober := NewHTTPProber("https", "vmharbor.dev", "/healthz", time.Second)
	sub := "brave-otter"
	got := prober.target(&db.TenantVM{Subdomain: &sub})
	want := "https://brave-otter.vmharbor.dev/healthz"
	if got != want {
		t.Errorf("target = %q, want %q", got, want)
	}
}
