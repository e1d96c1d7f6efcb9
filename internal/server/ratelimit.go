package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig bounds request throughput. GlobalRPS caps the whole
// server; HookLimit caps publish hook calls per client IP per HookWindow so a
// misbehaving encoder cannot hammer the authorization path. When RedisAddr
// is set the hook counters are shared across replicas.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int

	HookLimit  int
	HookWindow time.Duration

	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type hookCounterStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

type rateLimiter struct {
	global     *tokenBucket
	hookLimit  int
	hookWindow time.Duration
	store      hookCounterStore

	mu      sync.Mutex
	buckets map[string]*ipBucket
}

type ipBucket struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		hookLimit:  cfg.HookLimit,
		hookWindow: cfg.HookWindow,
		buckets:    make(map[string]*ipBucket),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.hookWindow <= 0 {
		rl.hookWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.hookLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisCounterStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowHook applies the per-IP publish hook limit.
func (r *rateLimiter) AllowHook(ip string) (bool, time.Duration, error) {
	if r == nil || r.hookLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("novacast:hooks:%s", ip), r.hookLimit, r.hookWindow)
	}
	if ip == "" {
		ip = "unknown"
	}

	r.mu.Lock()
	entry, exists := r.buckets[ip]
	if !exists {
		rate := float64(r.hookLimit) / r.hookWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.hookWindow.Seconds()
		}
		entry = &ipBucket{bucket: newTokenBucket(rate, r.hookLimit)}
		r.buckets[ip] = entry
	}
	entry.lastSeen = time.Now()
	r.evictStaleLocked()
	r.mu.Unlock()

	if entry.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) evictStaleLocked() {
	if len(r.buckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.hookWindow)
	for ip, entry := range r.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(r.buckets, ip)
		}
	}
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/hooks/") {
			allowed, retryAfter, err := rl.AllowHook(extractClientIP(r))
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				http.Error(w, "rate limit failure", http.StatusServiceUnavailable)
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				http.Error(w, "too many hook calls", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
