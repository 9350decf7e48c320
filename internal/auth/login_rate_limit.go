package auth

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"authcore/internal/observability"
)

// WindowStore counts hits per key inside a sliding window.
type WindowStore interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Duration, error)
}

// LoginRateLimiter caps login calls per client IP before the handler runs.
type LoginRateLimiter struct {
	store   WindowStore
	maxHits int
	window  time.Duration
	logger  *observability.Logger
	now     func() time.Time
}

func NewLoginRateLimiter(store WindowStore, maxHits int, window time.Duration, logger *observability.Logger) *LoginRateLimiter {
	if store == nil {
		store = NewMemoryWindowStore()
	}
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &LoginRateLimiter{
		store:   store,
		maxHits: maxHits,
		window:  window,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		allowed, retryAfter, err := l.store.Hit(r.Context(), "login:"+ip, l.now(), l.window, l.maxHits)
		if err != nil {
			// Fail open: the per-identity lockout still applies.
			l.logger.Error("login_rate_limit_failed", map[string]any{"ip": ip, "error": err})
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeFailure(w, &Error{
				Code:    CodeTooManyRequests,
				Message: "Muitas tentativas de login. Tente novamente mais tarde",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// MemoryWindowStore keeps hit timestamps in process memory.
type MemoryWindowStore struct {
	mu        sync.Mutex
	hits      map[string][]time.Time
	maxMemory int
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{
		hits:      make(map[string][]time.Time),
		maxMemory: 5000,
	}
}

func (s *MemoryWindowStore) Hit(_ context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Duration, error) {
	threshold := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.hits[key]
	inWindow := make([]time.Time, 0, len(previous)+1)
	for _, hit := range previous {
		if hit.After(threshold) {
			inWindow = append(inWindow, hit)
		}
	}

	if len(inWindow) >= limit {
		s.hits[key] = inWindow
		return false, RetryAfter(inWindow[0], window, now), nil
	}

	s.hits[key] = append(inWindow, now)

	if len(s.hits) > s.maxMemory {
		for k, v := range s.hits {
			if len(v) == 0 || v[len(v)-1].Before(threshold) {
				delete(s.hits, k)
			}
		}
	}

	return true, 0, nil
}

// RetryAfter is the time until oldest leaves the window, at least one second.
func RetryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	retryAfter := oldest.Add(window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return retryAfter
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}

	return "unknown"
}
