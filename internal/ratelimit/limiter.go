// Package ratelimit decides whether a caller identity may make another request.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter is consulted once per request.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, identity string) (bool, error)
}

// Config sets the per-identity budget.
type Config struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl"`
}

func (c Config) withDefaults() Config {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}
	if c.Burst <= 0 {
		c.Burst = c.RequestsPerMinute
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 10 * time.Minute
	}
	return c
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Local is an in-process token bucket per identity.
type Local struct {
	cfg Config

	mu       sync.Mutex
	visitors map[string]*visitor
	lastGC   time.Time

	nowFunc func() time.Time
}

// NewLocal creates a Local limiter.
func NewLocal(cfg Config) *Local {
	return &Local{
		cfg:      cfg.withDefaults(),
		visitors: make(map[string]*visitor),
		nowFunc:  time.Now,
	}
}

// CheckAndIncrement consumes one token for identity if available.
func (l *Local) CheckAndIncrement(_ context.Context, identity string) (bool, error) {
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.gc(now)
	v, ok := l.visitors[identity]
	if !ok {
		every := time.Minute / time.Duration(l.cfg.RequestsPerMinute)
		v = &visitor{limiter: rate.NewLimiter(rate.Every(every), l.cfg.Burst)}
		l.visitors[identity] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// gc evicts identities idle past IdleTTL, at most once per IdleTTL.
// Caller holds l.mu.
func (l *Local) gc(now time.Time) {
	if now.Sub(l.lastGC) < l.cfg.IdleTTL {
		return
	}
	for id, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.cfg.IdleTTL {
			delete(l.visitors, id)
		}
	}
	l.lastGC = now
}

// Middleware refuses requests over budget with 429. Limiter errors fail open.
func Middleware(l Limiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	log := zap.L().With(zap.String("component", "ratelimit"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := l.CheckAndIncrement(r.Context(), key)
			if err != nil {
				log.Warn("rate limit check failed, allowing request", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(60))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityKey identifies the caller by X-API-Key, falling back to the client IP.
func IdentityKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return "key:" + k
	}
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		ip = strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		ip = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
	}
	return "ip:" + ip
}
