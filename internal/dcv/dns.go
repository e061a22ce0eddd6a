package dcv

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// DNSChecker issues CNAME queries against a fixed resolver.
type DNSChecker struct {
	resolver string // host:port
	timeout  time.Duration
}

var _ CNAMEQuerier = (*DNSChecker)(nil)

// NewDNSChecker creates a checker querying resolver (host:port).
func NewDNSChecker(resolver string, timeout time.Duration) *DNSChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSChecker{resolver: resolver, timeout: timeout}
}

// LookupCNAME returns the CNAME target of fqdn, or an error when the query
// fails or no CNAME record exists.
func (c *DNSChecker) LookupCNAME(ctx context.Context, fqdn string) (string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), dns.TypeCNAME)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: c.timeout}
	resp, _, err := client.ExchangeContext(ctx, m, c.resolver)
	if err != nil {
		return "", fmt.Errorf("dcv: CNAME query for %q failed: %w", fqdn, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("dcv: CNAME query for %q returned %s", fqdn, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if cname, ok := rr.(*dns.CNAME); ok {
			return cname.Target, nil
		}
	}
	return "", fmt.Errorf("dcv: no CNAME record for %q", fqdn)
}
