package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/n1hub/deepmine/internal/job"
	"github.com/n1hub/deepmine/internal/log"
)

// Route classes with distinct per-minute budgets.
const (
	classUpload = "upload"
	classChat   = "chat"
	classPublic = "public"
)

const (
	rateWindow                 = time.Minute
	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterStaleThreshold  = 10 * time.Minute
)

// classFor buckets a request into its rate limit class.
func classFor(r *http.Request) string {
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/ingest"):
		return classUpload
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/chat"):
		return classChat
	default:
		return classPublic
	}
}

// memoryLimiter is the per-key token bucket fallback, x/time/rate based.
// Stale entries are cleaned inline during allow calls.
type memoryLimiter struct {
	mu          sync.Mutex
	visitors    map[string]*visitor
	lastCleanup time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newMemoryLimiter() *memoryLimiter {
	return &memoryLimiter{
		visitors:    make(map[string]*visitor),
		lastCleanup: time.Now(),
	}
}

func (ml *memoryLimiter) allow(key string, perMinute int) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	if now.Sub(ml.lastCleanup) > rateLimiterCleanupInterval {
		for k, v := range ml.visitors {
			if now.Sub(v.lastSeen) > rateLimiterStaleThreshold {
				delete(ml.visitors, k)
			}
		}
		ml.lastCleanup = now
	}

	v, exists := ml.visitors[key]
	if !exists {
		limiter := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		ml.visitors[key] = &visitor{limiter: limiter, lastSeen: now}
		limiter.Allow()
		return true
	}
	v.lastSeen = now
	return v.limiter.Allow()
}

// rateLimiter enforces per-IP, per-class budgets. With Redis configured it
// uses a shared sliding window; on Redis errors or without Redis it fails
// open to the in-memory token bucket.
type rateLimiter struct {
	rdb    *redis.Client
	mem    *memoryLimiter
	logger log.Logger
}

func newRateLimiter(rdb *redis.Client, logger log.Logger) *rateLimiter {
	return &rateLimiter{rdb: rdb, mem: newMemoryLimiter(), logger: logger}
}

func (rl *rateLimiter) allow(ctx context.Context, ip, class string, perMinute int) bool {
	key := "ratelimit:" + class + ":" + ip
	if rl.rdb != nil {
		ok, err := rl.allowRedis(ctx, key, perMinute)
		if err == nil {
			return ok
		}
		rl.logger.Warn("redis rate limit unavailable, using in-memory fallback",
			"error", err, "key", key)
	}
	return rl.mem.allow(key, perMinute)
}

// allowRedis implements a sliding window over a sorted set keyed by request
// timestamp.
func (rl *rateLimiter) allowRedis(ctx context.Context, key string, perMinute int) (bool, error) {
	now := time.Now()
	cutoff := strconv.FormatInt(now.Add(-rateWindow).UnixNano(), 10)

	pipe := rl.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, rateWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return count.Val() <= int64(perMinute), nil
}

// rateLimitMiddleware applies the class budget to each request.
func rateLimitMiddleware(rl *rateLimiter, limits map[string]int, trustProxy bool, logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class := classFor(r)
			ip := clientIP(r, trustProxy)
			if !rl.allow(r.Context(), ip, class, limits[class]) {
				logger.Warn("rate limit exceeded",
					"ip", ip, "class", class, "path", r.URL.Path, "method", r.Method)
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, errorBody{
					Category: job.CategoryAdmission,
					Code:     job.CodeConcurrencyExceeded,
					Message:  "too many requests",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
