// Package compute creates and deletes the dedicated machines through an
// external cloud provider API. The provider is opaque: this client only
// cares about getting back an instance id and an IPv4 address.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/vmharbor/vmharbor/internal/faults"
)

// InstanceSpec describes the machine to create.
type InstanceSpec struct {
	Name     string
	UserData string
}

// Instance is the subset of provider state the orchestrator needs.
type Instance struct {
	ID   string
	IPv4 string
}

type Config struct {
	APIToken          string
	BaseURL           string
	ServerType        string
	Image             string
	Location          string
	RequestsPerSecond float64
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	return &Client{
		cfg: cfg,
		// Instance creation can take a while on the provider side.
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type createRequest struct {
	Name       string `json:"name"`
	ServerType string `json:"server_type"`
	Image      string `json:"image"`
	Location   string `json:"location"`
	UserData   string `json:"user_data"`
}

type serverResponse struct {
	Server struct {
		ID        json.Number `json:"id"`
		PublicNet struct {
			IPv4 struct {
				IP string `json:"ip"`
			} `json:"ipv4"`
		} `json:"public_net"`
	} `json:"server"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateInstance requests a new machine and blocks until the provider has
// assigned it an address.
func (c *Client) CreateInstance(ctx context.Context, spec InstanceSpec) (*Instance, error) {
	if c.cfg.APIToken == "" {
		return nil, faults.NewConfigError("compute.apitoken")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(createRequest{
		Name:       spec.Name,
		ServerType: c.cfg.ServerType,
		Image:      c.cfg.Image,
		Location:   c.cfg.Location,
		UserData:   spec.UserData,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/servers", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, faults.WrapUpstream("compute", "create instance", err)
	}
	defer resp.Body.Close()

	var sr serverResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, faults.WrapUpstream("compute", fmt.Sprintf("decode response (status %d)", resp.StatusCode), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("provider returned status %d", resp.StatusCode)
		if sr.Error != nil {
			msg = fmt.Sprintf("%s: %s", sr.Error.Code, sr.Error.Message)
		}
		return nil, faults.NewUpstreamError("compute", msg)
	}

	inst := &Instance{
		ID:   sr.Server.ID.String(),
		IPv4: sr.Server.PublicNet.IPv4.IP,
	}
	if inst.ID == "" || inst.IPv4 == "" {
		return nil, faults.NewUpstreamError("compute", "provider response missing instance id or address")
	}
	return inst, nil
}

// DeleteInstance tears a machine down by provider id.
func (c *Client) DeleteInstance(ctx context.Context, instanceID string) error {
	if c.cfg.APIToken == "" {
		return faults.NewConfigError("compute.apitoken")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.BaseURL+"/servers/"+instanceID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return faults.WrapUpstream("compute", "delete instance", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return faults.NewUpstreamError("compute", fmt.Sprintf("delete instance %s: status %d", instanceID, resp.StatusCode))
	}
	return nil
}
