package session

import (
	"context"
	"fmt"
	"strings"
)

// StaticAuthenticator maps fixed session-cookie values to identities.
//
// Intended for development and tests; AUTH_MODE=static with an empty session
// list refuses everyone.
type StaticAuthenticator struct {
	cookieName string
	sessions   map[string]Identity
}

// NewStaticAuthenticator parses a comma-separated token=userID:username list.
// The username may be omitted (token=userID), in which case it defaults to
// the user ID.
func NewStaticAuthenticator(cookieName, raw string) (*StaticAuthenticator, error) {
	sessions := make(map[string]Identity)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		token, ident, ok := strings.Cut(entry, "=")
		if !ok || token == "" || ident == "" {
			return nil, fmt.Errorf("invalid static session entry %q", entry)
		}

		userID, username, ok := strings.Cut(ident, ":")
		if userID == "" {
			return nil, fmt.Errorf("invalid static session entry %q", entry)
		}
		if !ok || username == "" {
			username = userID
		}
		sessions[token] = Identity{UserID: userID, Username: username}
	}

	return &StaticAuthenticator{
		cookieName: cookieName,
		sessions:   sessions,
	}, nil
}

func (a *StaticAuthenticator) Lookup(ctx context.Context, cookieHeader string) (Identity, error) {
	token, err := cookieValue(cookieHeader, a.cookieName)
	if err != nil {
		return Identity{}, err
	}

	ident, ok := a.sessions[token]
	if !ok {
		return Identity{}, ErrNoIdentity
	}
	return ident, nil
}
