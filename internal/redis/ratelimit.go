package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slidingWindow prunes, counts and conditionally appends in one round trip so
// concurrent callers for the same key never both take the last slot.
//
// KEYS[1] window key
// ARGV[1] now (ms), ARGV[2] exclusive window start "(ms", ARGV[3] limit,
// ARGV[4] member, ARGV[5] ttl (ms)
var slidingWindow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
	return {0, count}
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, count + 1}
`)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum admissions per window
	Window time.Duration // Sliding window length
	Scope  string        // Key namespace, e.g. "recipient" or "api"
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding window log kept in a Redis sorted set, shared by
// every instance pointing at the same Redis.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Scope == "" {
		config.Scope = "ratelimit"
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow records one attempt for id if the window has room.
func (r *RateLimiter) Allow(ctx context.Context, id string) (*RateLimitResult, error) {
	now := r.now()
	windowStart := now.Add(-r.config.Window)

	res, err := slidingWindow.Run(ctx, r.client.rdb,
		[]string{key("ratelimit", r.config.Scope, id)},
		now.UnixMilli(),
		"("+strconv.FormatInt(windowStart.UnixMilli(), 10),
		r.config.Limit,
		strconv.FormatInt(now.UnixNano(), 10)+"-"+uuid.NewString(),
		r.config.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis sliding window failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected sliding window reply: %v", res)
	}

	allowed, count := res[0] == 1, int(res[1])
	result := &RateLimitResult{
		Allowed:   allowed,
		Remaining: max(0, r.config.Limit-count),
		ResetAt:   now.Add(r.config.Window),
	}
	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("scope", r.config.Scope),
			zap.String("id", id),
			zap.Int("current", count),
			zap.Int("limit", r.config.Limit),
		)
	}
	return result, nil
}

// TryAdmit adapts Allow to the engine's admission contract. A Redis error
// admits the request.
func (r *RateLimiter) TryAdmit(ctx context.Context, recipientID string) bool {
	res, err := r.Allow(ctx, recipientID)
	if err != nil {
		r.logger.Warn("rate limiter unavailable, admitting",
			zap.String("recipient_id", recipientID),
			zap.Error(err),
		)
		return true
	}
	return res.Allowed
}
