package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

const defaultPrefix = "chatwithit:desk:ratelimit"

// Config configures a FixedWindow limiter.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Limit    int
	Window   time.Duration
	// Now picks the window slot; defaults to time.Now.
	Now func() time.Time
}

// FixedWindow counts requests per key in Redis, one counter per window slot.
type FixedWindow struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// New creates a Redis-backed fixed-window limiter.
func New(cfg Config) (*FixedWindow, error) {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &FixedWindow{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}),
		prefix: prefix,
		limit:  cfg.Limit,
		window: cfg.Window,
		now:    now,
	}, nil
}

// Allow reports whether key is within quota for the current window.
// Redis failures fail closed.
func (l *FixedWindow) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		slog.Warn("rate limiter unavailable", "key", key, "err", err)
		return false
	}
	return count <= int64(l.limit)
}

// Close releases the Redis connection.
func (l *FixedWindow) Close() error {
	return l.client.Close()
}
