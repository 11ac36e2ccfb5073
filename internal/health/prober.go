package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vmharbor/vmharbor/internal/db"
)

// ProbeResult is the outcome of a single liveness probe. Any 2xx response
// counts as alive; timeouts, connection failures and other status codes
// do not.
type ProbeResult struct {
	Healthy    bool
	StatusCode int
	Error      string
	Duration   time.Duration
}

type Prober interface {
	Probe(ctx context.Context, vm *db.TenantVM) ProbeResult
}

// HTTPProber issues a GET against the tenant machine's well-known health
// path with a short per-probe timeout.
type HTTPProber struct {
	client *http.Client

	Scheme     string
	BaseDomain string
	Path       string

	// TargetFunc overrides target construction; tests point it at a local
	// server since generated subdomains resolve nowhere in CI.
	TargetFunc func(vm *db.TenantVM) string
}

func NewHTTPProber(scheme, baseDomain, path string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{
		client:     &http.Client{Timeout: timeout},
		Scheme:     scheme,
		BaseDomain: baseDomain,
		Path:       path,
	}
}

func (p *HTTPProber) target(vm *db.TenantVM) string {
	if p.TargetFunc != nil {
		return p.TargetFunc(vm)
	}
	return fmt.Sprintf("%s://%s.%s%s", p.Scheme, vm.SubdomainString(), p.BaseDomain, p.Path)
}

func (p *HTTPProber) Probe(ctx context.Context, vm *db.TenantVM) ProbeResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.target(vm), nil)
	if err != nil {
		return ProbeResult{Error: fmt.Sprintf("build request: %v", err), Duration: time.Since(start)}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{Error: fmt.Sprintf("probe failed: %v", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result := ProbeResult{
		StatusCode: resp.StatusCode,
		Duration:   time.Since(start),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Healthy = true
	} else {
		result.Error = fmt.Sprintf("unexpected status code: %d", resp.StatusCode)
	}
	return result
}
