package config

import (
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/latentfields/openclaw/pkg/rterr"
)

// OpenPostgres opens a *sql.DB against the configured Postgres DSN, or
// returns (nil, nil) when no DSN is configured — callers treat a nil DB
// as "mirror disabled" rather than an error.
func (c Config) OpenPostgres() (*sql.DB, error) {
	if c.PostgresDSN == "" {
		return nil, nil
	}
	db, err := sql.Open("postgres", c.PostgresDSN)
	if err != nil {
		return nil, rterr.Wrap(rterr.CodeInvalidArgument, "failed to open postgres connection", err)
	}
	return db, nil
}

// OpenRedis constructs a redis.Client against the configured address,
// or returns nil when no address is configured.
func (c Config) OpenRedis() *redis.Client {
	if c.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: c.RedisAddr})
}
