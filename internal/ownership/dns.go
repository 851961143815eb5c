package ownership

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver answers whether a TXT record at name carries the exact token.
type DNSResolver interface {
	HasTXTToken(ctx context.Context, name, token string) (bool, error)
}

// MiekgResolver resolves TXT records against a configured DNS server.
type MiekgResolver struct {
	server string // host:port, e.g. "8.8.8.8:53"
	client *dns.Client
}

// NewMiekgResolver builds a resolver. Empty server uses a public default.
func NewMiekgResolver(server string) *MiekgResolver {
	if server == "" {
		server = "8.8.8.8:53"
	}
	return &MiekgResolver{
		server: server,
		client: &dns.Client{Timeout: 5 * time.Second},
	}
}

// HasTXTToken queries TXT records at name and matches token exactly against
// each string in each answer.
func (r *MiekgResolver) HasTXTToken(ctx context.Context, name, token string) (bool, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return false, fmt.Errorf("txt lookup %s: %w", name, err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return false, nil
	}
	if resp.Rcode != dns.RcodeSuccess {
		return false, fmt.Errorf("txt lookup %s: rcode %s", name, dns.RcodeToString[resp.Rcode])
	}

	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, s := range txt.Txt {
			if s == token {
				return true, nil
			}
		}
	}
	return false, nil
}

var _ DNSResolver = (*MiekgResolver)(nil)
