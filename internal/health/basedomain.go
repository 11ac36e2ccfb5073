package health

import (
	"fmt"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
)

// BaseDomainInfo reports the registration status of the apex every tenant
// subdomain hangs off. The whole fleet goes dark if it lapses, so the
// sweep surfaces it to operators alongside per-tenant results.
type BaseDomainInfo struct {
	Domain          string     `json:"domain"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	DaysUntilExpiry *int       `json:"days_until_expiry,omitempty"`
	Error           string     `json:"error,omitempty"`
}

type BaseDomainChecker struct {
	domain string
}

func NewBaseDomainChecker(domain string) *BaseDomainChecker {
	return &BaseDomainChecker{domain: domain}
}

func (c *BaseDomainChecker) Check() *BaseDomainInfo {
	info := &BaseDomainInfo{Domain: c.domain}

	raw, err := whois.Whois(c.domain)
	if err != nil {
		info.Error = fmt.Sprintf("whois lookup failed: %v", err)
		return info
	}

	parsed, err := whoisparser.Parse(raw)
	if err != nil {
		info.Error = fmt.Sprintf("whois parse failed: %v", err)
		return info
	}

	if parsed.Domain.ExpirationDateInTime != nil {
		expiry := *parsed.Domain.ExpirationDateInTime
		days := int(time.Until(expiry).Hours() / 24)
		info.ExpiresAt = &expiry
		info.DaysUntilExpiry = &days
	} else {
		info.Error = "could not extract expiry date from whois data"
	}
	return info
}
