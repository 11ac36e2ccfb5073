// Package resolver answers "what does this name currently resolve to",
// independent of the DNS provider's own API. Used to confirm propagation
// after provisioning and to enrich health probe details.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

type Resolver struct {
	client *dns.Client
	// Nameserver queried directly, bypassing the host resolver cache so a
	// freshly created record is visible as soon as the provider serves it.
	nameserver string
}

func New() *Resolver {
	return &Resolver{
		client:     &dns.Client{Timeout: 5 * time.Second},
		nameserver: "8.8.8.8:53",
	}
}

func NewWithNameserver(nameserver string) *Resolver {
	return &Resolver{
		client:     &dns.Client{Timeout: 5 * time.Second},
		nameserver: nameserver,
	}
}

// ResolveA returns the A records currently served for fqdn.
func (r *Resolver) ResolveA(ctx context.Context, fqdn string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), dns.TypeA)

	resp, _, err := r.client.ExchangeContext(ctx, m, r.nameserver)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", fqdn, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query %s: rcode %s", fqdn, dns.RcodeToString[resp.Rcode])
	}

	var addrs []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	return addrs, nil
}
