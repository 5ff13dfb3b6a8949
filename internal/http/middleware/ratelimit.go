package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/taxidispatch/internal/auth"
)

var limitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "http_rate_limited_total",
	Help: "Requests rejected by the rate limiter grouped by scope.",
}, []string{"scope"})

// RateConfig is a token bucket: Rate tokens per second up to Burst.
type RateConfig struct {
	Rate  float64
	Burst float64
}

// RateLimiter throttles per caller with a token bucket kept in Redis, so limits hold
// across instances. Reads and writes have separate buckets.
type RateLimiter struct {
	client   redis.UniversalClient
	readCfg  RateConfig
	writeCfg RateConfig
	script   *redis.Script
	logger   *zap.Logger
}

func NewRateLimiter(client redis.UniversalClient, read, write RateConfig, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client:   client,
		readCfg:  read,
		writeCfg: write,
		script:   redis.NewScript(tokenBucketLua),
		logger:   logger.Named("ratelimit"),
	}
}

// Middleware rejects callers over their budget with 429 and Retry-After. Redis errors
// let the request through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || (l.readCfg.Rate <= 0 && l.writeCfg.Rate <= 0) {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, scope := l.writeCfg, "write"
		if isReadMethod(r.Method) {
			cfg, scope = l.readCfg, "read"
		}
		if cfg.Rate <= 0 || cfg.Burst <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		allowed, retryAfter, err := l.Allow(r.Context(), scope, callerID(r), cfg)
		if err != nil {
			l.logger.Warn("rate limit check failed", zap.String("scope", scope), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			limitedTotal.WithLabelValues(scope).Inc()
			w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow takes one token from the caller's bucket for scope.
func (l *RateLimiter) Allow(ctx context.Context, scope, caller string, cfg RateConfig) (bool, time.Duration, error) {
	key := strings.Join([]string{"dispatch", "rl", scope, caller}, ":")
	values, err := l.script.Run(ctx, l.client, []string{key}, time.Now().UnixMilli(), cfg.Rate, cfg.Burst).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(values) != 2 {
		return false, 0, errors.New("unexpected rate limit response")
	}
	if values[0] != 1 {
		return false, time.Duration(values[1]) * time.Millisecond, nil
	}
	return true, 0, nil
}

func isReadMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// callerID prefers the authenticated account, then an explicit client id, then the
// client address.
func callerID(r *http.Request) string {
	if id := auth.AccountFromContext(r.Context()); id != uuid.Nil {
		return "acct-" + id.String()
	}
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func formatRetryAfter(d time.Duration) string {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// tokenBucketLua returns {1, 0} when a token was taken, else {0, wait_ms}.
const tokenBucketLua = `
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local now = tonumber(ARGV[1])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(capacity, tokens + (now - last) * rate / 1000)
  last = now
end

local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', last)
redis.call('PEXPIRE', KEYS[1], math.ceil(capacity / rate * 1000))

if wait > 0 then
  return {0, wait}
end
return {1, 0}
`
