package policy

import (
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/sandboxd/sandboxd/internal/config"
)

// builtinBlockedRanges are always denied, regardless of configuration:
// loopback, link-local, and the RFC1918 private ranges.
var builtinBlockedRanges = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
}

// NetworkPolicy decides whether an outbound request target is permitted.
type NetworkPolicy struct {
	cfg      config.PolicyConfig
	blocked  []*net.IPNet // Built-in ranges plus configured CIDRs.
	blockIPs []net.IP     // Configured single-IP entries.
	logger   *slog.Logger
	onDenied func(Violation)
}

// NewNetworkPolicy parses the configured block list. Entries may be bare
// IPs or CIDRs; unparseable entries are a startup error.
func NewNetworkPolicy(cfg config.PolicyConfig, logger *slog.Logger) (*NetworkPolicy, error) {
	p := &NetworkPolicy{cfg: cfg, logger: logger}

	for _, r := range builtinBlockedRanges {
		_, cidr, err := net.ParseCIDR(r)
		if err != nil {
			return nil, err
		}
		p.blocked = append(p.blocked, cidr)
	}

	for _, entry := range cfg.BlockedIPs {
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, err
			}
			p.blocked = append(p.blocked, cidr)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, &net.ParseError{Type: "IP address", Text: entry}
		}
		p.blockIPs = append(p.blockIPs, ip)
	}

	return p, nil
}

// OnDenied registers a hook invoked for every rejection, after logging.
func (p *NetworkPolicy) OnDenied(fn func(Violation)) {
	p.onDenied = fn
}

// IsAllowed reports whether the URL's host may be contacted. The host is
// checked both as a literal (IP or "localhost") and, when it is a hostname,
// against the allowed-domain list. DNS resolution of hostnames is checked
// separately by CheckResolved at request time, since a hostname can point
// anywhere.
func (p *NetworkPolicy) IsAllowed(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return p.deny(rawURL, "unparseable")
	}
	host := strings.ToLower(parsed.Hostname())

	if host == "localhost" {
		return p.deny(rawURL, "blocked:localhost")
	}

	if ip := net.ParseIP(host); ip != nil {
		if p.ipBlocked(ip) {
			return p.deny(rawURL, "blocked_ip:"+host)
		}
		// Literal IPs bypass the domain allowlist only when no list is set.
		if len(p.cfg.AllowedDomains) > 0 {
			return p.deny(rawURL, "ip_not_in_allowlist")
		}
		return true
	}

	// Empty allowed-domain list means no domain restriction.
	if len(p.cfg.AllowedDomains) == 0 {
		return true
	}
	for _, domain := range p.cfg.AllowedDomains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return p.deny(rawURL, "domain_not_allowed:"+host)
}

// CheckResolved resolves the host and rejects it when any resolved address
// falls in a blocked range. Called immediately before a request is issued
// (and again on every redirect) to close the DNS rebinding window as far
// as a lookup-based check can.
func (p *NetworkPolicy) CheckResolved(host string) bool {
	ips, err := net.LookupHost(host)
	if err != nil {
		return p.deny(host, "dns_failure")
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil || p.ipBlocked(ip) {
			return p.deny(host, "resolves_to_blocked:"+ipStr)
		}
	}
	return true
}

func (p *NetworkPolicy) ipBlocked(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	// Private IPv6 (fc00::/7).
	if ip6 := ip.To16(); ip6 != nil && ip.To4() == nil && ip6[0]&0xfe == 0xfc {
		return true
	}
	for _, cidr := range p.blocked {
		if cidr.Contains(ip) {
			return true
		}
	}
	for _, blocked := range p.blockIPs {
		if blocked.Equal(ip) {
			return true
		}
	}
	return false
}

func (p *NetworkPolicy) deny(input, rule string) bool {
	p.logger.Warn("network target rejected by policy",
		slog.String("rule", rule),
		slog.String("target", truncate(input)),
	)
	if p.onDenied != nil {
		p.onDenied(Violation{Kind: "network", Rule: rule, Input: truncate(input)})
	}
	return false
}
