// Package turnrest mints coturn-compatible ephemeral TURN credentials.
//
// The relay never talks to the TURN server itself; it hands short-lived
// credentials to authenticated peer clients alongside the ICE server list so
// the shared secret never reaches a browser.
//
// Algorithm (draft-uberti-behave-turn-rest, as implemented by coturn):
//
//	username   = <unix_expiry>:<prefix>:<user_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Minter derives per-user TURN credentials from a shared secret.
type Minter struct {
	secret []byte
	ttl    time.Duration
	prefix string

	now func() time.Time
}

type MinterConfig struct {
	// SharedSecret must match the TURN server's static-auth-secret.
	SharedSecret string
	TTL          time.Duration
	// UsernamePrefix distinguishes this relay's credentials in TURN logs. It
	// must not contain ':'.
	UsernamePrefix string

	Now func() time.Time
}

func NewMinter(cfg MinterConfig) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be positive")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("username prefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("username prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Minter{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// MintFor derives credentials scoped to one authenticated user ID, so TURN
// allocations are attributable in server logs.
func (m *Minter) MintFor(userID string) (Credentials, error) {
	if userID == "" {
		return Credentials{}, errors.New("user ID is required")
	}
	if strings.Contains(userID, ":") {
		return Credentials{}, errors.New("user ID must not contain ':'")
	}

	expiry := m.now().UTC().Unix() + int64(m.ttl/time.Second)
	username := fmt.Sprintf("%d:%s:%s", expiry, m.prefix, userID)
	return Credentials{
		Username:   username,
		Credential: sign(m.secret, username),
		ExpiryUnix: expiry,
	}, nil
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
