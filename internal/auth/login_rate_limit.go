package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
)

// HitCounter records one hit for key and reports whether it is within the
// allowance for the current window.
type HitCounter interface {
	Hit(ctx context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error)
}

type LoginRateLimiter struct {
	counter        HitCounter
	maxHits        int
	window         time.Duration
	now            func() time.Time
	trustedProxies []netip.Prefix
}

func NewLoginRateLimiter(counter HitCounter, maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	if counter == nil {
		counter = NewMemoryHitCounter(5000)
	}

	return &LoginRateLimiter{counter: counter, maxHits: maxHits, window: window, now: time.Now}
}

// WithTrustedProxies lets X-Forwarded-For decide the client address, but
// only for requests whose peer sits in one of these networks.
func (l *LoginRateLimiter) WithTrustedProxies(prefixes []netip.Prefix) *LoginRateLimiter {
	l.trustedProxies = prefixes
	return l
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "login:" + clientIP(r, l.trustedProxies)
		allowed, retryAfter, err := l.counter.Hit(r.Context(), key, l.maxHits, l.window, l.now().UTC())
		if err != nil {
			// A broken counter must not lock everybody out.
			sentry.CaptureException(err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// MemoryHitCounter is a sliding-window counter local to one process.
type MemoryHitCounter struct {
	mu        sync.Mutex
	hits      map[string][]time.Time
	maxMemory int
}

func NewMemoryHitCounter(maxMemory int) *MemoryHitCounter {
	if maxMemory <= 0 {
		maxMemory = 5000
	}
	return &MemoryHitCounter{hits: make(map[string][]time.Time), maxMemory: maxMemory}
}

func (c *MemoryHitCounter) Hit(_ context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	hits := c.hits[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= maxHits {
		retryAfter := filtered[0].Add(window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		c.hits[key] = filtered
		return false, retryAfter, nil
	}

	c.hits[key] = append(filtered, now)

	if len(c.hits) > c.maxMemory {
		for k, value := range c.hits {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(c.hits, k)
			}
		}
	}

	return true, 0, nil
}

// RedisHitCounter is a fixed-window counter shared by every instance.
type RedisHitCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisHitCounter(client *redis.Client) *RedisHitCounter {
	return &RedisHitCounter{client: client, prefix: "ratelimit:"}
}

func (c *RedisHitCounter) Hit(ctx context.Context, key string, maxHits int, window time.Duration, _ time.Time) (bool, time.Duration, error) {
	redisKey := c.prefix + key

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, window)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("redis rate limit hit: %w", err)
	}

	if incr.Val() <= int64(maxHits) {
		return true, 0, nil
	}

	retryAfter := ttl.Val()
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}

// clientIP keys a request by its peer host. Forwarded hops are walked right
// to left only while each hop is a trusted proxy; the first untrusted hop is
// the client.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	if host == "" {
		return "unknown"
	}

	peer, err := netip.ParseAddr(host)
	if err != nil || !isTrustedProxy(peer, trusted) {
		return host
	}

	client := peer
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = hop
		if !isTrustedProxy(hop, trusted) {
			break
		}
	}

	return client.Unmap().String()
}

func isTrustedProxy(addr netip.Addr, trusted []netip.Prefix) bool {
	addr = addr.Unmap()
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
