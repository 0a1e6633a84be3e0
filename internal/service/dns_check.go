package service

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DNS check statuses
const (
	DNSMatched     = "matched"
	DNSMismatched  = "mismatched"
	DNSNoRecord    = "no_record"
	DNSRecordsOnly = "records_only"
)

// DNSCheckResult tells whether a site name points at this server, which
// HTTP-01 issuance needs
type DNSCheckResult struct {
	Domain       string   `json:"domain"`
	Status       string   `json:"status"` // matched, mismatched, no_record, records_only
	ARecords     []string `json:"a_records"`
	AAAARecords  []string `json:"aaaa_records"`
	ExpectedIPv4 string   `json:"expected_ipv4"`
	ExpectedIPv6 string   `json:"expected_ipv6"`
	Error        string   `json:"error,omitempty"`
}

// DNSLookupFunc returns the A and AAAA records of a domain
type DNSLookupFunc func(ctx context.Context, domain string) (aRecords []string, aaaaRecords []string, err error)

// SystemLookup resolves through the host resolver
func SystemLookup(ctx context.Context, domain string) ([]string, []string, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, domain)
	if err != nil {
		return nil, nil, err
	}

	var aRecords, aaaaRecords []string
	for _, addr := range addrs {
		if ip4 := addr.IP.To4(); ip4 != nil {
			aRecords = append(aRecords, ip4.String())
		} else {
			aaaaRecords = append(aaaaRecords, addr.IP.String())
		}
	}
	return aRecords, aaaaRecords, nil
}

// ResolverLookup queries server (host:port) directly, so /etc/hosts and
// split-horizon answers do not hide what the CA will see
func ResolverLookup(server string, timeout time.Duration) DNSLookupFunc {
	client := &dns.Client{Timeout: timeout}
	return func(ctx context.Context, domain string) ([]string, []string, error) {
		var aRecords, aaaaRecords []string
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			msg := new(dns.Msg)
			msg.SetQuestion(dns.Fqdn(domain), qtype)
			msg.RecursionDesired = true

			in, _, err := client.ExchangeContext(ctx, msg, server)
			if err != nil {
				return nil, nil, fmt.Errorf("query %s: %w", server, err)
			}
			switch in.Rcode {
			case dns.RcodeSuccess:
			case dns.RcodeNameError:
				return nil, nil, fmt.Errorf("lookup %s: no such host", domain)
			default:
				return nil, nil, fmt.Errorf("lookup %s: %s", domain, dns.RcodeToString[in.Rcode])
			}

			for _, rr := range in.Answer {
				switch v := rr.(type) {
				case *dns.A:
					aRecords = append(aRecords, v.A.String())
				case *dns.AAAA:
					aaaaRecords = append(aaaaRecords, v.AAAA.String())
				}
			}
		}
		return aRecords, aaaaRecords, nil
	}
}

// DNSCheckService compares a domain's records with this server's addresses
type DNSCheckService struct {
	lookup     DNSLookupFunc
	serverIPv4 string
	serverIPv6 string
}

// NewDNSCheckService creates a DNSCheckService. Empty server addresses turn
// the check into a plain lookup (records_only).
func NewDNSCheckService(lookup DNSLookupFunc, serverIPv4, serverIPv6 string) *DNSCheckService {
	if lookup == nil {
		lookup = SystemLookup
	}
	return &DNSCheckService{lookup: lookup, serverIPv4: serverIPv4, serverIPv6: serverIPv6}
}

// Check performs a DNS check for the given domain. Lookup failures are
// reported in the result, not as an error.
func (s *DNSCheckService) Check(ctx context.Context, domain string) *DNSCheckResult {
	result := &DNSCheckResult{
		Domain:       domain,
		ExpectedIPv4: s.serverIPv4,
		ExpectedIPv6: s.serverIPv6,
		ARecords:     []string{},
		AAAARecords:  []string{},
	}

	aRecords, aaaaRecords, err := s.lookup(ctx, domain)
	if err != nil {
		result.Status = DNSNoRecord
		result.Error = err.Error()
		return result
	}
	if aRecords != nil {
		result.ARecords = aRecords
	}
	if aaaaRecords != nil {
		result.AAAARecords = aaaaRecords
	}

	switch {
	case len(aRecords) == 0 && len(aaaaRecords) == 0:
		result.Status = DNSNoRecord
		result.Error = "no A or AAAA records found"
	case s.serverIPv4 == "" && s.serverIPv6 == "":
		result.Status = DNSRecordsOnly
	default:
		result.Status = DetermineDNSStatus(aRecords, aaaaRecords, s.serverIPv4, s.serverIPv6)
	}
	return result
}

// DetermineDNSStatus assumes records exist and at least one server
// address is configured
func DetermineDNSStatus(aRecords, aaaaRecords []string, serverIPv4, serverIPv6 string) string {
	if serverIPv4 != "" {
		for _, a := range aRecords {
			if a == serverIPv4 {
				return DNSMatched
			}
		}
	}
	if serverIPv6 != "" {
		for _, aaaa := range aaaaRecords {
			if net.ParseIP(aaaa).Equal(net.ParseIP(serverIPv6)) {
				return DNSMatched
			}
		}
	}
	return DNSMismatched
}
