package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/config"
)

// fixedWindow increments the per-minute counter and starts its expiry on
// the first hit.
var fixedWindow = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimiter limits trigger endpoints per client with a Redis-backed
// fixed one-minute window. Without Redis every request is allowed.
type RateLimiter struct {
	redis  *redis.Client
	config config.RateLimitConfig
	logger *zap.Logger
	window time.Duration
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

// NewRateLimiter creates a rate limiter. redisClient may be nil.
func NewRateLimiter(redisClient *redis.Client, cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:  redisClient,
		config: cfg,
		logger: logger.Named("ratelimit"),
		window: time.Minute,
	}
}

// Check counts one request for clientID against endpoint. Redis errors
// fail open.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint string) *RateLimitResult {
	limit := rl.config.RequestsPerMinute
	now := time.Now()
	if rl.redis == nil || !rl.config.Enabled {
		return &RateLimitResult{Allowed: true, Remaining: limit, Limit: limit, ResetAt: now.Add(rl.window)}
	}

	key := fmt.Sprintf("repsentinel:ratelimit:%s:%s:minute", clientID, endpoint)
	count, err := fixedWindow.Run(ctx, rl.redis, []string{key}, rl.window.Milliseconds()).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Remaining: limit, Limit: limit, ResetAt: now.Add(rl.window)}
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	ttl, err := rl.redis.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = rl.window
	}

	res := &RateLimitResult{
		Allowed:   count <= limit,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   now.Add(ttl),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		res.Reason = "Rate limit exceeded"
	}
	return res
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := rl.Check(r.Context(), clientIP(r), r.URL.Path)

		if rl.config.IncludeHeaders {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		}

		if !result.Allowed {
			retry := int(result.RetryAfter.Round(time.Second).Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", result.Reason)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP returns the request's client address without port. RealIP
// middleware has already applied forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
