package httpx

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/trustcore/pkg/slogx"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// RequestsPerWindow is the number of requests allowed per window.
	RequestsPerWindow int
	// Window is the time window for rate limiting.
	Window time.Duration
	// Burst allows temporary bursts above the steady rate.
	Burst int
}

// Profiles for the endpoint classes this service exposes.
var (
	// StrictLimit for credential-bearing endpoints (brute force prevention).
	StrictLimit = RateLimitConfig{RequestsPerWindow: 5, Window: time.Minute, Burst: 5}

	// ModerateLimit for authenticated mutations.
	ModerateLimit = RateLimitConfig{RequestsPerWindow: 20, Window: time.Minute, Burst: 20}

	// LenientLimit for authenticated reads and health endpoints.
	LenientLimit = RateLimitConfig{RequestsPerWindow: 100, Window: time.Minute, Burst: 100}
)

// KeyExtractor derives the rate-limit bucket key from a request. Returning
// "" means the request cannot be keyed and is allowed through.
type KeyExtractor func(*http.Request) string

// ClientIP extracts the candidate client address, trusting proxy headers in
// the order X-Forwarded-For (first hop), X-Real-IP, then RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok || first != "" {
			return strings.TrimSpace(first)
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// IPKeyExtractor keys buckets by source IP only.
func IPKeyExtractor(r *http.Request) string { return ClientIP(r) }

// SubjectAndIPKeyExtractor keys buckets by (subject, source IP). The subject
// is provided by the caller (e.g. unverified `sub` claim of the refresh
// cookie) so that one flooding subject behind a shared IP does not throttle
// a different user on the same IP.
func SubjectAndIPKeyExtractor(subject func(*http.Request) string) KeyExtractor {
	return func(r *http.Request) string {
		sub := subject(r)
		if sub == "" {
			return ClientIP(r)
		}
		return sub + ":" + ClientIP(r)
	}
}

// Limiter is a keyed token-bucket limiter. Check returns whether the request
// is allowed and, when denied, how long until the next permit.
type Limiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int

	mu          sync.Mutex
	lastCleanup time.Time
}

// NewLimiter builds a Limiter from a config profile.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	return &Limiter{
		rate:        rate.Limit(float64(cfg.RequestsPerWindow) / cfg.Window.Seconds()),
		burst:       cfg.Burst,
		lastCleanup: time.Now(),
	}
}

// Check consumes one permit for key. When denied it reports the delay until
// the next token without consuming it.
func (l *Limiter) Check(key string) (allowed bool, retryAfter time.Duration) {
	lim := l.getLimiter(key)
	if lim.Allow() {
		return true, 0
	}
	reservation := lim.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	if delay < time.Second {
		delay = time.Second
	}
	return false, delay
}

func (l *Limiter) getLimiter(key string) *rate.Limiter {
	if lim, ok := l.limiters.Load(key); ok {
		return lim.(*rate.Limiter)
	}
	actual, _ := l.limiters.LoadOrStore(key, rate.NewLimiter(l.rate, l.burst))
	l.maybeCleanup()
	return actual.(*rate.Limiter)
}

// maybeCleanup drops idle limiters so ephemeral keys don't accumulate
// forever. A limiter with a full bucket hasn't been used recently.
func (l *Limiter) maybeCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) < 5*time.Minute {
		return
	}
	l.lastCleanup = time.Now()

	l.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).Tokens() >= float64(l.burst) {
			l.limiters.Delete(key)
		}
		return true
	})
}

// RateLimitMiddleware applies a keyed limiter in front of a handler,
// answering 429 with a Retry-After header when a bucket is exhausted.
func RateLimitMiddleware(cfg RateLimitConfig, keyExtractor KeyExtractor) Middleware {
	l := NewLimiter(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := slogx.FromContext(r.Context())

			key := keyExtractor(r)
			if key == "" {
				log.Warn("rate limit: unable to extract key, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			allowed, retryAfter := l.Check(key)
			if !allowed {
				seconds := int(retryAfter.Seconds())
				w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
				log.Warn("rate limit exceeded",
					"endpoint", r.URL.Path,
					"retry_after", seconds,
				)
				WriteJSON(w, http.StatusTooManyRequests, ErrorBody{
					Error:       "rate_limited",
					Description: "Too many requests. Please try again later.",
					RetryAfter:  seconds,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitByIP limits by source IP only (login endpoints).
func RateLimitByIP(cfg RateLimitConfig) Middleware {
	return RateLimitMiddleware(cfg, IPKeyExtractor)
}
