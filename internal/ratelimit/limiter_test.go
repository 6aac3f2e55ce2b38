package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_BurstThenRefuse(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal(Config{RequestsPerMinute: 60, Burst: 3})
	l.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.CheckAndIncrement(ctx, "key:a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, _ := l.CheckAndIncrement(ctx, "key:a")
	assert.False(t, ok)

	ok, _ = l.CheckAndIncrement(ctx, "key:b")
	assert.True(t, ok, "identities are independent")

	now = now.Add(time.Second)
	ok, _ = l.CheckAndIncrement(ctx, "key:a")
	assert.True(t, ok, "one token refills per second at 60/min")
}

func TestLocal_EvictsIdleIdentities(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal(Config{RequestsPerMinute: 10, IdleTTL: time.Minute})
	l.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	_, _ = l.CheckAndIncrement(ctx, "old")
	now = now.Add(2 * time.Minute)
	_, _ = l.CheckAndIncrement(ctx, "new")

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.visitors, "old")
	assert.Contains(t, l.visitors, "new")
}

type stubLimiter struct {
	allowed bool
	err     error
	seen    []string
}

func (s *stubLimiter) CheckAndIncrement(_ context.Context, id string) (bool, error) {
	s.seen = append(s.seen, id)
	return s.allowed, s.err
}

func TestMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name    string
		limiter *stubLimiter
		want    int
	}{
		{"allowed", &stubLimiter{allowed: true}, http.StatusOK},
		{"refused", &stubLimiter{allowed: false}, http.StatusTooManyRequests},
		{"fails open", &stubLimiter{err: errors.New("redis down")}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Middleware(tt.limiter, IdentityKey)(next)
			req := httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil)
			req.Header.Set("X-API-Key", "abc")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, []string{"key:abc"}, tt.limiter.seen)
			if tt.want == http.StatusTooManyRequests {
				assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestIdentityKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "ip:10.0.0.7", IdentityKey(req))

	req.Header.Set("X-Real-IP", "192.0.2.1")
	assert.Equal(t, "ip:192.0.2.1", IdentityKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.5", IdentityKey(req))

	req.Header.Set("X-API-Key", " secret ")
	assert.Equal(t, "key:secret", IdentityKey(req))
}
