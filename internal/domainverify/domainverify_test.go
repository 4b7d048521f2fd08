package domainverify

import "testing"

func TestParseTXTRecord(t *testing.T) {
	tests := []struct {
		name    string
		record  string
		wantKey string
		wantOK  bool
	}{
		{
			"full record",
			"v=uam1; key=ed25519:AbCd123_-; relay=https://relay.example.com",
			"AbCd123_-",
			true,
		},
		{
			"no relay field",
			"v=uam1; key=ed25519:xyz",
			"xyz",
			true,
		},
		{
			"leading whitespace",
			"  v=uam1; key=ed25519:k1",
			"k1",
			true,
		},
		{"wrong version", "v=uam2; key=ed25519:xyz", "", false},
		{"unrelated TXT", "google-site-verification=abc", "", false},
		{"version only", "v=uam1", "", false},
		{"empty", "", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key, ok := parseTXTRecord(tc.record)
			if ok != tc.wantOK || key != tc.wantKey {
				t.Errorf("parseTXTRecord(%q) = (%q, %v), want (%q, %v)",
					tc.record, key, ok, tc.wantKey, tc.wantOK)
			}
		})
	}
}

func TestKeysMatch(t *testing.T) {
	if !keysMatch("abc", "abc") {
		t.Error("identical keys should match")
	}
	if keysMatch("abc", "abd") {
		t.Error("different keys should not match")
	}
	if keysMatch("", "") {
		t.Error("empty claimed key must never match")
	}
}

func TestAgentName(t *testing.T) {
	if got := agentName("alice::example.com"); got != "alice" {
		t.Errorf("agentName = %q, want alice", got)
	}
	if got := agentName("malformed"); got != "malformed" {
		t.Errorf("agentName(no separator) = %q, want the input", got)
	}
}
