package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jw6ventures/calcore/internal/auth"
)

// Limiter hands out one token bucket per client. Authenticated requests are
// keyed by principal, anonymous ones by client address.
type Limiter struct {
	rate    rate.Limit
	burst   int
	idle    time.Duration
	maxKeys int
	proxies []*net.IPNet
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New builds a limiter. Buckets unused for idle are dropped by Run.
// Forwarding headers are honoured only from trustedProxies (CIDRs or bare IPs).
func New(perSecond float64, burst int, idle time.Duration, trustedProxies []string) *Limiter {
	l := &Limiter{
		rate:    rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		maxKeys: 10000,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, entry := range trustedProxies {
		if ipnet := parseNet(strings.TrimSpace(entry)); ipnet != nil {
			l.proxies = append(l.proxies, ipnet)
		}
	}
	return l
}

func parseNet(s string) *net.IPNet {
	if _, ipnet, err := net.ParseCIDR(s); err == nil {
		return ipnet
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	bits := 128
	if ip.To4() != nil {
		bits = 32
	}
	_, ipnet, _ := net.ParseCIDR(s + "/" + strconv.Itoa(bits))
	return ipnet
}

// Allow reports whether the client identified by key may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictOldestLocked()
		}
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = l.now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

func (l *Limiter) evictOldestLocked() {
	var oldest string
	var at time.Time
	for key, b := range l.buckets {
		if oldest == "" || b.lastSeen.Before(at) {
			oldest, at = key, b.lastSeen
		}
	}
	delete(l.buckets, oldest)
}

// Sweep drops buckets idle for longer than the configured idle period.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Middleware answers 429 once a client exhausts its bucket. It must run after
// authentication for principal keys to apply.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(l.key(r)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *Limiter) key(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return "principal:" + p.ID
	}
	return "ip:" + l.clientIP(r)
}

func (l *Limiter) clientIP(r *http.Request) string {
	remote := hostIP(r.RemoteAddr)
	if !l.trusted(remote) {
		return remote.String()
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return remote.String()
}

// trusted reports whether forwarding headers from ip are believed. Without
// configured proxies no forwarding header is.
func (l *Limiter) trusted(ip net.IP) bool {
	for _, ipnet := range l.proxies {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

func hostIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
