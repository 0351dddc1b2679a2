// Package session resolves the cookie header presented at upgrade time to an
// authenticated user identity. The relay admits a socket only when one of the
// configured backends yields an identity; everything else about users lives
// outside this process.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/meshvid/signal-relay/internal/config"
)

// ErrNoIdentity is returned when the cookie header does not resolve to an
// authenticated user. The relay treats it as a hard refusal, not an error.
var ErrNoIdentity = errors.New("no identity for session")

// Identity is the authenticated user bound to a socket for its lifetime.
type Identity struct {
	UserID   string
	Username string
}

// Authenticator maps a raw Cookie header to an identity.
//
// Implementations may block on I/O (Redis lookups); callers pass a context and
// must not mutate shared state based on reads taken before the call returns.
type Authenticator interface {
	Lookup(ctx context.Context, cookieHeader string) (Identity, error)
}

// New builds the authenticator selected by cfg.AuthMode.
func New(cfg config.Config) (Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthModeStatic:
		return NewStaticAuthenticator(cfg.SessionCookieName, cfg.StaticSessions)
	case config.AuthModeCookieJWT:
		return NewJWTAuthenticator(cfg.SessionCookieName, cfg.JWTSecret), nil
	case config.AuthModeRedis:
		return NewRedisAuthenticator(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// cookieValue extracts the named cookie from a raw Cookie header.
func cookieValue(cookieHeader, name string) (string, error) {
	if cookieHeader == "" {
		return "", ErrNoIdentity
	}

	header := http.Header{}
	header.Add("Cookie", cookieHeader)
	req := http.Request{Header: header}

	c, err := req.Cookie(name)
	if err != nil || c.Value == "" {
		return "", ErrNoIdentity
	}
	return c.Value, nil
}
