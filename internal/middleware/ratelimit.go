package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DukeRupert/csvmeter/internal/auth"
	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/handler"
)

// =============================================================================
// Limiters
// =============================================================================

// Limiter counts requests per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

func decide(count int64, limit int, resetIn time.Duration) Decision {
	d := Decision{Limit: limit, Allowed: count <= int64(limit)}
	if d.Allowed {
		d.Remaining = limit - int(count)
		return d
	}
	d.RetryAfter = resetIn
	return d
}

// MemoryLimiter keeps windows in process. Each node counts separately.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window

	stop     chan struct{}
	stopOnce sync.Once
}

type window struct {
	count   int64
	expires time.Time
}

// NewMemoryLimiter allows limit requests per key per window and sweeps
// expired windows in the background until Close.
func NewMemoryLimiter(limit int, every time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		limit:   limit,
		window:  every,
		now:     time.Now,
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(l.window)}
		l.windows[key] = w
	}
	w.count++
	return decide(w.count, l.limit, w.expires.Sub(now)), nil
}

// Close stops the sweeper. It is safe to call more than once.
func (l *MemoryLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	return nil
}

func (l *MemoryLimiter) sweep() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

func (l *MemoryLimiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, w := range l.windows {
		if !now.Before(w.expires) {
			delete(l.windows, key)
		}
	}
}

const rateLimitPrefix = "csvmeter:ratelimit:"

// RedisLimiter shares windows between every node using the same Redis.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	k := rateLimitPrefix + key

	var count *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.Incr(ctx, k)
		ttl = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	// A negative TTL means the key was just created.
	resetIn := ttl.Val()
	if resetIn < 0 {
		if err := l.client.PExpire(ctx, k, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire %s: %w", key, err)
		}
		resetIn = l.window
	}
	return decide(count.Val(), l.limit, resetIn), nil
}

var (
	_ Limiter = (*MemoryLimiter)(nil)
	_ Limiter = (*RedisLimiter)(nil)
)

// =============================================================================
// Rate Limit Middleware
// =============================================================================

// RateLimitMiddleware throttles callers by principal.
type RateLimitMiddleware struct {
	limiter Limiter
	logger  *slog.Logger
}

func NewRateLimitMiddleware(limiter Limiter, logger *slog.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger,
	}
}

// Limit answers 429 once the caller's window is used up. Users are counted
// by id and anonymous callers by IP, so it belongs after WithPrincipal. When
// the limiter itself fails the request goes through.
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := limitKey(r)

		d, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			m.logger.Warn("rate limiter unavailable", "error", err, "key", key)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(d.RetryAfter.Round(time.Second).Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
		m.logger.Warn("rate limit exceeded", "key", key, "method", r.Method, "path", r.URL.Path)
		handler.ErrorResponse(w, r, m.logger, &domain.Error{
			Code:    domain.ERATELIMIT,
			Op:      "middleware.rate_limit",
			Message: "Too many requests. Please try again later.",
		})
	})
}

func limitKey(r *http.Request) string {
	if p, ok := auth.GetPrincipal(r.Context()); ok {
		return p.Identity()
	}
	return "ip:" + ClientIP(r)
}

// =============================================================================
// Helpers
// =============================================================================

// ClientIP returns the caller's address. The first parseable
// X-Forwarded-For entry wins, then X-Real-IP, then RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
