package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/meshvid/signal-relay/internal/config"
)

// RedisAuthenticator resolves the session cookie against a Redis session
// store shared with the surrounding application.
//
// Layout:
//
//	session:<sid>  hash with field user_id
//	user:<uid>     hash with field username
//
// A missing session or user hash maps to ErrNoIdentity; Redis being down is a
// real error and surfaces as one (the relay still refuses the upgrade, but
// logs it differently).
type RedisAuthenticator struct {
	cookieName string
	rdb        *redis.Client
}

func NewRedisAuthenticator(cfg config.Config) *RedisAuthenticator {
	return &RedisAuthenticator{
		cookieName: cfg.SessionCookieName,
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
	}
}

// Ping verifies connectivity at startup.
func (a *RedisAuthenticator) Ping(ctx context.Context) error {
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis session store: %w", err)
	}
	return nil
}

func (a *RedisAuthenticator) Close() error {
	return a.rdb.Close()
}

func (a *RedisAuthenticator) Lookup(ctx context.Context, cookieHeader string) (Identity, error) {
	sid, err := cookieValue(cookieHeader, a.cookieName)
	if err != nil {
		return Identity{}, err
	}

	userID, err := a.rdb.HGet(ctx, "session:"+sid, "user_id").Result()
	if errors.Is(err, redis.Nil) {
		return Identity{}, ErrNoIdentity
	}
	if err != nil {
		return Identity{}, fmt.Errorf("session lookup: %w", err)
	}
	if userID == "" {
		return Identity{}, ErrNoIdentity
	}

	username, err := a.rdb.HGet(ctx, "user:"+userID, "username").Result()
	if errors.Is(err, redis.Nil) || username == "" {
		// User record may have been deleted out from under the session; treat
		// the session as orphaned.
		username = userID
		err = nil
	}
	if err != nil {
		return Identity{}, fmt.Errorf("user lookup: %w", err)
	}

	return Identity{UserID: userID, Username: username}, nil
}
