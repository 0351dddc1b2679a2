package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"
)

func TestMintForDeterministicWithFixedTime(t *testing.T) {
	m, err := NewMinter(MinterConfig{
		SharedSecret:   "shared-secret",
		TTL:            time.Hour,
		UsernamePrefix: "relay",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	creds, err := m.MintFor("u1")
	if err != nil {
		t.Fatalf("MintFor: %v", err)
	}

	wantExpiry := int64(1_700_003_600)
	if creds.ExpiryUnix != wantExpiry {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, wantExpiry)
	}
	wantUsername := "1700003600:relay:u1"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}

	wantCred := expectedCredential(t, []byte("shared-secret"), wantUsername)
	if creds.Credential != wantCred {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, wantCred)
	}
}

func TestMintForRejectsBadInput(t *testing.T) {
	m, err := NewMinter(MinterConfig{
		SharedSecret:   "secret",
		TTL:            time.Minute,
		UsernamePrefix: "relay",
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	if _, err := m.MintFor(""); err == nil {
		t.Fatalf("MintFor accepted an empty user ID")
	}
	if _, err := m.MintFor("u:1"); err == nil {
		t.Fatalf("MintFor accepted a user ID containing ':'")
	}
}

func TestNewMinterValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  MinterConfig
	}{
		{"no secret", MinterConfig{TTL: time.Minute, UsernamePrefix: "relay"}},
		{"zero ttl", MinterConfig{SharedSecret: "s", UsernamePrefix: "relay"}},
		{"no prefix", MinterConfig{SharedSecret: "s", TTL: time.Minute}},
		{"colon prefix", MinterConfig{SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "a:b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMinter(tt.cfg); err == nil {
				t.Fatalf("NewMinter accepted %+v", tt.cfg)
			}
		})
	}
}

func TestCredentialIsBase64HMACSHA1(t *testing.T) {
	m, err := NewMinter(MinterConfig{
		SharedSecret:   "secret",
		TTL:            time.Second,
		UsernamePrefix: "pfx",
		Now:            func() time.Time { return time.Unix(0, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	creds, err := m.MintFor("sid")
	if err != nil {
		t.Fatalf("MintFor: %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(creds.Credential)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length: got %d, want %d", len(decoded), sha1.Size)
	}

	mac := hmac.New(sha1.New, []byte("secret"))
	_, _ = mac.Write([]byte(creds.Username))
	if string(decoded) != string(mac.Sum(nil)) {
		t.Fatalf("decoded HMAC mismatch")
	}
}

func expectedCredential(t *testing.T, sharedSecret []byte, username string) string {
	t.Helper()
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
