// Package dnsprovider manages the A records that expose tenant machines,
// through a Cloudflare-style HTTP API.
package dnsprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vmharbor/vmharbor/internal/faults"
)

type Record struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool            `json:"success"`
	Errors  []apiError      `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type Config struct {
	APIToken          string
	BaseURL           string
	ZoneName          string
	RecordTTL         int
	RequestsPerSecond float64
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter

	// The zone id almost never changes, so it is resolved once and cached
	// for the lifetime of the process. Lookup failures are not cached.
	zoneMu sync.Mutex
	zoneID string
}

func NewClient(cfg Config) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 4
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = 300
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// CreateRecord creates a non-proxied A record mapping the subdomain at the
// configured zone apex to the given address. The record stays unproxied so
// non-HTTP protocols the machine exposes keep direct L4 connectivity, and
// the short TTL keeps propagation fast right after provisioning.
func (c *Client) CreateRecord(ctx context.Context, subdomain, ipv4 string) (*Record, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}
	if !isDottedQuad(ipv4) {
		return nil, faults.NewValidationError("invalid IPv4 address: %q", ipv4)
	}

	zoneID, err := c.zone(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"type":    "A",
		"name":    c.fqdn(subdomain),
		"content": ipv4,
		"ttl":     c.cfg.RecordTTL,
		"proxied": false,
	}

	var record Record
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/zones/%s/dns_records", zoneID), body, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// GetRecord returns the A record for a subdomain, or nil when none exists.
func (c *Client) GetRecord(ctx context.Context, subdomain string) (*Record, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}

	zoneID, err := c.zone(ctx)
	if err != nil {
		return nil, err
	}

	var records []Record
	path := fmt.Sprintf("/zones/%s/dns_records?type=A&name=%s", zoneID, url.QueryEscape(c.fqdn(subdomain)))
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// ListRecords returns every A record in the zone.
func (c *Client) ListRecords(ctx context.Context) ([]Record, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}

	zoneID, err := c.zone(ctx)
	if err != nil {
		return nil, err
	}

	var records []Record
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/zones/%s/dns_records?type=A&per_page=500", zoneID), nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteRecord removes a record by provider id.
func (c *Client) DeleteRecord(ctx context.Context, recordID string) error {
	if err := c.checkCredentials(); err != nil {
		return err
	}

	zoneID, err := c.zone(ctx)
	if err != nil {
		return err
	}

	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, recordID), nil, nil)
}

func (c *Client) checkCredentials() error {
	if c.cfg.APIToken == "" {
		return faults.NewConfigError("dns.apitoken")
	}
	if c.cfg.ZoneName == "" {
		return faults.NewConfigError("dns.zonename")
	}
	return nil
}

func (c *Client) fqdn(subdomain string) string {
	return subdomain + "." + c.cfg.ZoneName
}

func (c *Client) zone(ctx context.Context) (string, error) {
	c.zoneMu.Lock()
	defer c.zoneMu.Unlock()

	if c.zoneID != "" {
		return c.zoneID, nil
	}

	var zones []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	path := "/zones?name=" + url.QueryEscape(c.cfg.ZoneName)
	if err := c.do(ctx, http.MethodGet, path, nil, &zones); err != nil {
		return "", err
	}
	if len(zones) == 0 {
		return "", faults.NewUpstreamError("dns", fmt.Sprintf("zone %q not found", c.cfg.ZoneName))
	}
	c.zoneID = zones[0].ID
	return c.zoneID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return faults.WrapUpstream("dns", "request failed", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return faults.WrapUpstream("dns", fmt.Sprintf("decode response (status %d)", resp.StatusCode), err)
	}

	if !env.Success {
		messages := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			messages = append(messages, fmt.Sprintf("%d: %s", e.Code, e.Message))
		}
		if len(messages) == 0 {
			messages = append(messages, fmt.Sprintf("provider returned status %d", resp.StatusCode))
		}
		return faults.NewUpstreamError("dns", messages...)
	}

	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return faults.WrapUpstream("dns", "decode result", err)
		}
	}
	return nil
}

// isDottedQuad accepts only IPv4 in dotted-quad form; net.ParseIP alone
// would also accept IPv6.
func isDottedQuad(s string) bool {
	if strings.Count(s, ".") != 3 {
		return false
	}
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}
