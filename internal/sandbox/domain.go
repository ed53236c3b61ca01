package sandbox

import (
	"fmt"
	"net"
	"strings"
)

// DomainValidator checks outbound network targets against a Gear's
// declared domain allowlist, always rejecting private/loopback/link-local
// addresses and localhost regardless of the allowlist (§4.6 "Domain
// validation").
type DomainValidator struct {
	allowed []string
}

// NewDomainValidator builds a validator over the declared domain list.
// Entries may be exact hostnames or "*.example.com" wildcard subdomains.
func NewDomainValidator(allowed []string) *DomainValidator {
	return &DomainValidator{allowed: allowed}
}

var privateCIDRs = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("sandbox: invalid built-in CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// Validate reports whether host may be contacted: it must match the
// allowlist, and it must not literally be a private, loopback, or
// link-local address. Hostnames are not resolved, so only literal IP
// addresses are checked against those ranges.
func (v *DomainValidator) Validate(host string) error {
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("sandbox: domain %q is always rejected", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := v.checkIP(ip); err != nil {
			return err
		}
	}

	if !v.matchesAllowlist(host) {
		return fmt.Errorf("sandbox: domain %q is not in the declared allowlist", host)
	}
	return nil
}

func (v *DomainValidator) checkIP(ip net.IP) error {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("sandbox: address %s is loopback/link-local, always rejected", ip)
	}
	for _, n := range privateCIDRs {
		if n.Contains(ip) {
			return fmt.Errorf("sandbox: address %s is in a private range, always rejected", ip)
		}
	}
	return nil
}

func (v *DomainValidator) matchesAllowlist(host string) bool {
	host = strings.ToLower(host)
	for _, pattern := range v.allowed {
		pattern = strings.ToLower(pattern)
		if pattern == host {
			return true
		}
		if strings.HasPrefix(pattern, "*.") {
			suffix := pattern[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) && host != suffix[1:] {
				return true
			}
			if host == pattern[2:] {
				// exact apex also satisfied by the wildcard entry
				return true
			}
		}
	}
	return false
}
