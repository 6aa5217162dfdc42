package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jw6ventures/calcore/internal/auth"
	"github.com/jw6ventures/calcore/internal/store"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestMiddlewareLimitsPerClient(t *testing.T) {
	l := New(0.001, 2, time.Minute, nil)
	h := l.Middleware()(okHandler())

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.2:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "other clients keep their own bucket")
}

func TestPrincipalKeyOverridesAddress(t *testing.T) {
	l := New(1, 1, time.Minute, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), &store.Principal{ID: "alice"}))
	assert.Equal(t, "principal:alice", l.key(req))
}

func TestForwardedHeadersNeedTrustedProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.5")

	untrusted := New(1, 1, time.Minute, nil)
	assert.Equal(t, "10.0.0.5", untrusted.clientIP(req))

	trusted := New(1, 1, time.Minute, []string{"10.0.0.0/8"})
	assert.Equal(t, "203.0.113.9", trusted.clientIP(req))

	single := New(1, 1, time.Minute, []string{"10.0.0.5"})
	assert.Equal(t, "203.0.113.9", single.clientIP(req))
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	l := New(1, 1, time.Minute, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	require.True(t, l.Allow("a"))
	now = now.Add(2 * time.Minute)
	require.True(t, l.Allow("b"))

	assert.Equal(t, 1, l.Sweep())
	assert.Len(t, l.buckets, 1)
}
