// Package factory builds a state.Store from QAWEAVER_* environment
// variables. The "none" backend disables run history entirely; callers
// get a nil store and must treat it as optional.
package factory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/qaweaverhq/qaweaver/state"
	redisstore "github.com/qaweaverhq/qaweaver/state/redis"
	sqlitestore "github.com/qaweaverhq/qaweaver/state/sqlite"
)

func FromEnv(ctx context.Context) (state.Store, error) {
	_ = ctx

	backend := strings.ToLower(strings.TrimSpace(getenv("QAWEAVER_STATE_BACKEND", "sqlite")))
	switch backend {
	case "sqlite":
		path := getenv("QAWEAVER_SQLITE_PATH", "./.qaweaver/state.db")
		return sqlitestore.New(path)

	case "redis":
		addr := getenv("QAWEAVER_REDIS_ADDR", "127.0.0.1:6379")
		password := strings.TrimSpace(os.Getenv("QAWEAVER_REDIS_PASSWORD"))
		db := getenvInt("QAWEAVER_REDIS_DB", 0)
		ttl := getenvDuration("QAWEAVER_REDIS_TTL", 72*time.Hour)

		return redisstore.New(addr,
			redisstore.WithPassword(password),
			redisstore.WithDB(db),
			redisstore.WithTTL(ttl),
		)

	case "none":
		return nil, nil

	default:
		return nil, fmt.Errorf("unsupported QAWEAVER_STATE_BACKEND %q (use sqlite, redis, or none)", backend)
	}
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
