// SPDX-License-Identifier: MIT
// Attestation Gateway - Redis-backed rate limiting
//
// Same sliding log as Memory, kept in one sorted set per device so several
// gateway replicas share a budget. Prune, count and insert run in a single
// Lua script and are atomic on the server.
//
// When Redis is unreachable the limiter answers from an embedded Memory
// limiter. Each replica then enforces the limit on its own; that is
// looser than the shared budget but never fails open to unlimited
// attempts and never locks every device out.

package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var slidingLog = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// distributed sliding log limiter
type Redis struct {
	client   redis.UniversalClient
	limit    int
	window   time.Duration
	prefix   string
	fallback *Memory
	logger   *slog.Logger
	now      func() time.Time
}

// creates a Redis limiter; fallback serves while Redis errors
// a nil fallback gets a private Memory limiter with the same budget
func NewRedis(client redis.UniversalClient, limit int, window time.Duration, prefix string, fallback *Memory, logger *slog.Logger) *Redis {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if prefix == "" {
		prefix = "attestgw:rl:"
	}
	if fallback == nil {
		fallback = NewMemory(limit, window)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:   client,
		limit:    limit,
		window:   window,
		prefix:   prefix,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Redis) Allow(ctx context.Context, deviceID string) bool {
	now := r.now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	allowed, err := slidingLog.Run(ctx, r.client,
		[]string{r.prefix + deviceID},
		now, r.window.Milliseconds(), r.limit, member,
	).Int()
	if err != nil {
		r.logger.Warn("redis rate limiter unavailable, using local window",
			"error", err)
		return r.fallback.Allow(ctx, deviceID)
	}
	return allowed == 1
}

// devices tracked by the local fallback
func (r *Redis) Tracked() int { return r.fallback.Tracked() }

func (r *Redis) Window() time.Duration { return r.window }

// stops the fallback sweeper; the client is owned by the caller
func (r *Redis) Close() error { return r.fallback.Close() }
