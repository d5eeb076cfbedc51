package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig is Limit requests per sliding Window.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// admitScript trims the window, counts what is left and records n hits only
// if all n fit.
//
//	KEYS[1] window set
//	ARGV    score, cutoff, ttl ms, limit, n, member prefix
//
// Returns {admitted, count after the call}.
var admitScript = redis.NewScript(`
local limit = tonumber(ARGV[4])
local n = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count + n > limit then
	return {0, count}
end

for i = 1, n do
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[6] .. ':' .. i)
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {1, count + n}
`)

// RateLimiter keeps one sorted set of recent hits per key. A check and its
// hits are applied atomically, so concurrent gateways never overshoot.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN admits n hits at once or none of them.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	score := now.UnixMicro()
	ttl := (r.config.Window + time.Second).Milliseconds()

	reply, err := admitScript.Run(ctx, r.client.rdb,
		[]string{keyPrefix + "ratelimit:" + key},
		score, score-r.config.Window.Microseconds(), ttl, r.config.Limit, n, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(reply) != 2 {
		return nil, fmt.Errorf("rate limit %s: unexpected reply %v", key, reply)
	}

	result := &RateLimitResult{
		Allowed:   reply[0] == 1,
		Remaining: max(0, r.config.Limit-int(reply[1])),
		ResetAt:   now.Add(r.config.Window),
	}
	if !result.Allowed {
		r.logger.Debug("rate limited",
			zap.String("key", key),
			zap.Int64("in_window", reply[1]),
			zap.Int("limit", r.config.Limit),
		)
	}
	return result, nil
}
