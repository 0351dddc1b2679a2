package session

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator verifies an HS256-signed JWT carried in the session cookie.
//
// Claims: `sub` is the user ID (required), `name` the display name. Standard
// exp/nbf validation applies; any verification failure maps to ErrNoIdentity
// so the relay refuses the upgrade without leaking why.
type JWTAuthenticator struct {
	cookieName string
	secret     []byte
}

func NewJWTAuthenticator(cookieName, secret string) *JWTAuthenticator {
	return &JWTAuthenticator{
		cookieName: cookieName,
		secret:     []byte(secret),
	}
}

type sessionClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func (a *JWTAuthenticator) Lookup(ctx context.Context, cookieHeader string) (Identity, error) {
	token, err := cookieValue(cookieHeader, a.cookieName)
	if err != nil {
		return Identity{}, err
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrNoIdentity
	}

	username := claims.Name
	if username == "" {
		username = claims.Subject
	}
	return Identity{UserID: claims.Subject, Username: username}, nil
}
