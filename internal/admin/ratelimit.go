package admin

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/metrics"
	"github.com/emperorhan/chatpay-settlement/internal/ratelimit"
)

// route groups admin endpoints that share one bucket per client. A path
// ending in "/" matches as a prefix.
type route struct {
	name    string
	method  string
	path    string
	profile ratelimit.Profile
}

func (rt route) matches(method, path string) bool {
	if rt.method != method {
		return false
	}
	if strings.HasSuffix(rt.path, "/") {
		return strings.HasPrefix(path, rt.path)
	}
	return path == rt.path
}

var adminRoutes = []route{
	{name: "admin_sweep", method: http.MethodPost, path: "/admin/v1/escrows/sweep", profile: ratelimit.Profile{Capacity: 1, RefillPerSecond: 1.0 / 30}},
	{name: "admin_audit", method: http.MethodPost, path: "/admin/v1/escrows/audit", profile: ratelimit.Profile{Capacity: 1, RefillPerSecond: 1.0 / 60}},
	{name: "admin_assets", method: http.MethodPost, path: "/admin/v1/assets", profile: ratelimit.Profile{Capacity: 3, RefillPerSecond: 10.0 / 60}},
	{name: "admin_assets", method: http.MethodPost, path: "/admin/v1/assets/", profile: ratelimit.Profile{Capacity: 3, RefillPerSecond: 10.0 / 60}},
}

var adminFallback = route{name: "admin_read", profile: ratelimit.Profile{Capacity: 5, RefillPerSecond: 1}}

// Limiter meters admin calls per client address. Sweeps and audits move or
// inspect custody funds and get much smaller buckets than reads.
type Limiter struct {
	buckets ratelimit.BucketStore
	routes  []route
	logger  *slog.Logger
	now     func() time.Time
}

// NewLimiter keeps buckets in process when buckets is nil.
func NewLimiter(buckets ratelimit.BucketStore, logger *slog.Logger) *Limiter {
	if buckets == nil {
		buckets = ratelimit.NewMemoryStore()
	}
	return &Limiter{
		buckets: buckets,
		routes:  adminRoutes,
		logger:  logger.With("component", "admin_limiter"),
		now:     time.Now,
	}
}

func (l *Limiter) classify(method, path string) route {
	for _, rt := range l.routes {
		if rt.matches(method, path) {
			return rt
		}
	}
	return adminFallback
}

// Wrap rejects over-limit calls with 429. A bucket store error also rejects.
func (l *Limiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientAddr(r)
		rt := l.classify(r.Method, r.URL.Path)

		allowed, err := l.buckets.Take(r.Context(), rt.name+":"+client, rt.profile, 1, l.now())
		if err != nil {
			l.logger.Warn("admin rate bucket unavailable", "route", rt.name, "error", err)
		}
		if err != nil || !allowed {
			metrics.RateLimitDecisions.WithLabelValues(rt.name, "denied").Inc()
			l.logger.Warn("admin call rate limited", "route", rt.name, "client", client)
			w.Header().Set("Retry-After", retryAfter(rt.profile))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Error: "rate limit exceeded",
				Kind:  string(failure.RateLimited),
			})
			return
		}
		metrics.RateLimitDecisions.WithLabelValues(rt.name, "allowed").Inc()
		next.ServeHTTP(w, r)
	})
}

// retryAfter is the whole seconds until one token is back.
func retryAfter(p ratelimit.Profile) string {
	return strconv.Itoa(int(math.Ceil(1 / p.RefillPerSecond)))
}

// Run evicts buckets idle longer than idle on every interval tick.
func (l *Limiter) Run(ctx context.Context, interval, idle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := l.buckets.Evict(ctx, l.now().Add(-idle)); err != nil {
				l.logger.Warn("admin rate bucket eviction failed", "error", err)
			}
		}
	}
}

// clientAddr is the first X-Forwarded-For hop, then X-Real-IP, then the peer.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
