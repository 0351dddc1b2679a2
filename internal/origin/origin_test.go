package origin

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantOrigin string
		wantHost   string
		wantOK     bool
	}{
		{"simple http", "http://example.com", "http://example.com", "example.com", true},
		{"uppercase host", "https://Example.COM", "https://example.com", "example.com", true},
		{"explicit default port dropped", "https://example.com:443", "https://example.com", "example.com", true},
		{"non-default port kept", "http://example.com:3000", "http://example.com:3000", "example.com:3000", true},
		{"ipv6 literal", "http://[::1]:3000", "http://[::1]:3000", "[::1]:3000", true},
		{"null origin", "null", "null", "", true},
		{"trailing slash ok", "http://example.com/", "http://example.com", "example.com", true},
		{"empty", "", "", "", false},
		{"path", "http://example.com/app", "", "", false},
		{"query", "http://example.com?x=1", "", "", false},
		{"userinfo", "http://user@example.com", "", "", false},
		{"bad scheme", "ftp://example.com", "", "", false},
		{"port zero", "http://example.com:0", "", "", false},
		{"port overflow", "http://example.com:70000", "", "", false},
		{"unbracketed ipv6", "http://::1:3000", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOrigin, gotHost, ok := Normalize(tt.header)
			if ok != tt.wantOK {
				t.Fatalf("Normalize(%q) ok = %v, want %v", tt.header, ok, tt.wantOK)
			}
			if gotOrigin != tt.wantOrigin || gotHost != tt.wantHost {
				t.Errorf("Normalize(%q) = (%q, %q), want (%q, %q)",
					tt.header, gotOrigin, gotHost, tt.wantOrigin, tt.wantHost)
			}
		})
	}
}

func TestIsAllowedWithAllowlist(t *testing.T) {
	allowed := []string{"https://app.example.com", "http://localhost:3000"}

	if !IsAllowed("https://app.example.com", "app.example.com", "relay.example.com", allowed) {
		t.Errorf("listed origin rejected")
	}
	if IsAllowed("https://evil.example.com", "evil.example.com", "relay.example.com", allowed) {
		t.Errorf("unlisted origin accepted")
	}
	if !IsAllowed("https://anything.example.com", "anything.example.com", "relay.example.com", []string{"*"}) {
		t.Errorf("wildcard allowlist rejected origin")
	}
	// Allowlist takes precedence even for same-host requests.
	if IsAllowed("https://relay.example.com", "relay.example.com", "relay.example.com", allowed) {
		t.Errorf("same-host origin accepted despite allowlist")
	}
}

func TestIsAllowedSameHostDefault(t *testing.T) {
	if !IsAllowed("http://example.com:3000", "example.com:3000", "example.com:3000", nil) {
		t.Errorf("same host:port rejected")
	}
	if !IsAllowed("https://example.com", "example.com", "example.com:443", nil) {
		t.Errorf("default-port equivalence rejected")
	}
	if IsAllowed("http://other.com", "other.com", "example.com", nil) {
		t.Errorf("cross-host origin accepted")
	}
	if IsAllowed("null", "", "example.com", nil) {
		t.Errorf("null origin accepted under same-host policy")
	}
}
