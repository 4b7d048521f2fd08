package policy

import "testing"

func TestAddDomainOrAddress(t *testing.T) {
	addresses := make(map[string]bool)
	domains := make(map[string]bool)

	addDomainOrAddress("alice::example.com", addresses, domains)
	addDomainOrAddress("*::spam.example", addresses, domains)

	if !addresses["alice::example.com"] {
		t.Error("exact address pattern should land in addresses")
	}
	if !domains["spam.example"] {
		t.Error("*::domain pattern should land in domains")
	}
	if len(addresses) != 1 || len(domains) != 1 {
		t.Errorf("unexpected set sizes: addresses=%v domains=%v", addresses, domains)
	}
}

func TestDomainOf(t *testing.T) {
	cases := map[string]string{
		"alice::example.com": "example.com",
		"bob::sub.example.com": "sub.example.com",
		"no-domain":           "",
	}
	for addr, want := range cases {
		if got := domainOf(addr); got != want {
			t.Errorf("domainOf(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestListsBlockedAndAllowedWithoutStore(t *testing.T) {
	l := &Lists{
		blockAddresses: map[string]bool{"spammer::evil.com": true},
		blockDomains:   map[string]bool{"evil.com": true},
		allowAddresses: map[string]bool{"exempt::evil.com": true},
		allowDomains:   map[string]bool{},
	}

	if !l.Blocked("spammer::evil.com") {
		t.Error("exact-blocked address should be blocked")
	}
	if !l.Blocked("anyone::evil.com") {
		t.Error("domain-blocked wildcard should block any address at that domain")
	}
	if l.Blocked("exempt::evil.com") {
		t.Error("explicit allow should override a domain block")
	}
	if l.Blocked("someone::good.com") {
		t.Error("unrelated address should not be blocked")
	}
	if !l.Allowed("exempt::evil.com") {
		t.Error("exempt::evil.com should be allowed")
	}
}

func TestListsRelayBlockedAndAllowed(t *testing.T) {
	l := &Lists{
		blockAddresses: map[string]bool{},
		blockDomains:   map[string]bool{"bad-relay.example": true},
		allowAddresses: map[string]bool{},
		allowDomains:   map[string]bool{"bad-relay.example": true},
	}
	if l.RelayBlocked("bad-relay.example") {
		t.Error("explicit relay allow should override relay block")
	}
	if l.RelayBlocked("good-relay.example") {
		t.Error("unrelated relay domain should not be blocked")
	}
}
