package policy

import (
	"testing"

	"github.com/sandboxd/sandboxd/internal/config"
)

func newTestNetworkPolicy(t *testing.T, cfg config.PolicyConfig) *NetworkPolicy {
	t.Helper()
	p, err := NewNetworkPolicy(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewNetworkPolicy: %v", err)
	}
	return p
}

func TestNetworkPolicy_BlockedTargets(t *testing.T) {
	p := newTestNetworkPolicy(t, config.PolicyConfig{})

	denied := []string{
		"http://127.0.0.1/admin",
		"http://localhost:8080/",
		"https://10.0.0.5/internal",
		"http://172.16.3.4/",
		"http://192.168.1.1/router",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/",
		"not a url",
		"http://",
	}
	for _, target := range denied {
		if p.IsAllowed(target) {
			t.Errorf("IsAllowed(%q) = true, want false", target)
		}
	}

	// No allowlist configured: public hosts pass the static check.
	if !p.IsAllowed("https://example.com/page") {
		t.Error("public host rejected with empty allowlist")
	}
	if !p.IsAllowed("https://8.8.8.8/dns") {
		t.Error("public literal IP rejected with empty allowlist")
	}
}

func TestNetworkPolicy_DomainAllowlist(t *testing.T) {
	p := newTestNetworkPolicy(t, config.PolicyConfig{
		AllowedDomains: []string{"api.github.com", "example.org"},
	})

	tests := []struct {
		url     string
		allowed bool
	}{
		{"https://api.github.com/repos", true},
		{"https://sub.example.org/x", true},
		{"https://EXAMPLE.org/x", true},
		{"https://example.com/x", false},
		{"https://evilexample.org.attacker.net/x", false},
		{"https://notexample.org/x", false},
		// Literal IPs never satisfy a domain allowlist.
		{"https://8.8.8.8/", false},
	}
	for _, tt := range tests {
		if got := p.IsAllowed(tt.url); got != tt.allowed {
			t.Errorf("IsAllowed(%q) = %v, want %v", tt.url, got, tt.allowed)
		}
	}
}

func TestNetworkPolicy_ConfiguredBlocks(t *testing.T) {
	p := newTestNetworkPolicy(t, config.PolicyConfig{
		BlockedIPs: []string{"203.0.113.7", "198.51.100.0/24"},
	})

	if p.IsAllowed("http://203.0.113.7/") {
		t.Error("explicitly blocked IP accepted")
	}
	if p.IsAllowed("http://198.51.100.200/") {
		t.Error("IP inside blocked CIDR accepted")
	}
	if !p.IsAllowed("http://203.0.113.8/") {
		t.Error("neighbouring IP outside block list rejected")
	}

	if _, err := NewNetworkPolicy(config.PolicyConfig{
		BlockedIPs: []string{"not-an-ip"},
	}, testLogger()); err == nil {
		t.Error("invalid block entry accepted")
	}
}

func TestNetworkPolicy_CheckResolved(t *testing.T) {
	p := newTestNetworkPolicy(t, config.PolicyConfig{})

	// localhost resolves to loopback on any sane resolver.
	if p.CheckResolved("localhost") {
		t.Error("CheckResolved(localhost) = true, want false")
	}
	if p.CheckResolved("definitely-not-a-real-host.invalid") {
		t.Error("unresolvable host accepted")
	}
}
