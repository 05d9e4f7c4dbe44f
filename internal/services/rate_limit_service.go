package services

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Token bucket: refill_tokens every interval_ms up to capacity, one token per request.
// Returns {allowed, tokens_left, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_tokens = tonumber(ARGV[3])
	local interval_ms = tonumber(ARGV[4])
	local ttl_seconds = tonumber(ARGV[5])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 and refill_tokens > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + (intervals * refill_tokens))
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		retry_after_ms = interval_ms - (now_ms - last_refill)
		if retry_after_ms < 0 then retry_after_ms = 0 end
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens, retry_after_ms }
`)

// RateLimitConfig holds token-bucket parameters
type RateLimitConfig struct {
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	Prefix         string
}

// DefaultRateLimitConfig allows a burst of 20 then one request every 3 seconds
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Capacity:       20,
		RefillTokens:   1,
		RefillInterval: 3 * time.Second,
		Prefix:         "rl",
	}
}

// RateLimitError represents a rate limit exceeded error
type RateLimitError struct {
	Message    string
	RetryAfter time.Time
	Type       string // scope of the bucket, e.g. "user" or "ip"
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// RetryAfterSeconds rounds the wait up to whole seconds for the Retry-After header
func (e *RateLimitError) RetryAfterSeconds(now time.Time) int {
	secs := int(math.Ceil(e.RetryAfter.Sub(now).Seconds()))
	if secs < 0 {
		return 0
	}
	return secs
}

// RateLimitDecision is the bucket state after one request
type RateLimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int64
}

// RateLimitService limits booking and payment calls per key with a Redis token bucket.
// Redis failures fail open.
type RateLimitService struct {
	rdb    *redis.Client
	config RateLimitConfig
	logger *logrus.Logger
	now    func() time.Time
}

// NewRateLimitService creates a new rate limit service
func NewRateLimitService(rdb *redis.Client, config RateLimitConfig, logger *logrus.Logger) *RateLimitService {
	defaults := DefaultRateLimitConfig()
	if config.Capacity <= 0 {
		config.Capacity = defaults.Capacity
	}
	if config.RefillTokens <= 0 {
		config.RefillTokens = defaults.RefillTokens
	}
	if config.RefillInterval <= 0 {
		config.RefillInterval = defaults.RefillInterval
	}
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	return &RateLimitService{
		rdb:    rdb,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Allow takes one token from the bucket named scope:key.
// A *RateLimitError is returned when the bucket is empty.
func (s *RateLimitService) Allow(ctx context.Context, scope, key string) (*RateLimitDecision, error) {
	decision := &RateLimitDecision{Allowed: true, Limit: s.config.Capacity, Remaining: int64(s.config.Capacity)}

	now := s.now()
	bucketKey := fmt.Sprintf("%s:%s:%s", s.config.Prefix, scope, key)
	args := []interface{}{
		now.UnixMilli(),
		s.config.Capacity,
		s.config.RefillTokens,
		s.config.RefillInterval.Milliseconds(),
		s.ttlSeconds(),
	}

	vals, err := tokenBucketScript.Run(ctx, s.rdb, []string{bucketKey}, args...).Slice()
	if err != nil || len(vals) != 3 {
		s.logger.WithError(err).WithField("key", bucketKey).Warn("Rate limiter unavailable, allowing request")
		return decision, nil
	}

	decision.Allowed = asInt64(vals[0]) == 1
	decision.Remaining = asInt64(vals[1])
	if decision.Allowed {
		return decision, nil
	}

	retryAfter := now.Add(time.Duration(asInt64(vals[2])) * time.Millisecond)
	return decision, &RateLimitError{
		Message:    fmt.Sprintf("Too many requests. Please try again after %s", retryAfter.Format("15:04:05")),
		RetryAfter: retryAfter,
		Type:       scope,
	}
}

// ttlSeconds keeps an idle bucket just long enough to refill completely
func (s *RateLimitService) ttlSeconds() int64 {
	intervals := int64(math.Ceil(float64(s.config.Capacity) / float64(s.config.RefillTokens)))
	ttl := time.Duration(intervals+1) * s.config.RefillInterval
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
