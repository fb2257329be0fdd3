package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// caller tracks one peer's limiter and last activity
type caller struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// set after the first denial is reported, reset on eviction
	reported bool
}

// Limiter holds per-caller token buckets with background eviction.
type Limiter struct {
	mu      sync.Mutex
	callers map[string]*caller

	perSecond rate.Limit
	burst     int
	ttl       time.Duration
	max       int
	now       func() time.Time

	// OnFirstDenied runs once per caller when it is first throttled.
	OnFirstDenied func(key string)
	// OnDenied runs on every throttled request.
	OnDenied func(key string)
	// OnCapacity runs when a new caller is turned away because max callers are tracked.
	OnCapacity func()
}

type Option func(*Limiter)

// WithRate sets the refill rate and bucket size.
// WithRate(1, 2) admits two invocations at once, then one per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *Limiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle caller stays tracked.
func WithTTL(d time.Duration) Option {
	return func(l *Limiter) { l.ttl = d }
}

func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.OnFirstDenied = fn }
}

func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.OnDenied = fn }
}

// WithMaxCallers bounds how many callers are tracked; 0 means unbounded.
func WithMaxCallers(n int) Option {
	return func(l *Limiter) { l.max = n }
}

func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) { l.OnCapacity = fn }
}

// New creates a Limiter. Eviction runs until ctx is cancelled.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		callers:   make(map[string]*caller),
		perSecond: 1,
		burst:     2,
		ttl:       5 * time.Minute,
		now:       time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// Allow reports whether key is within its budget.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	c, ok := l.callers[key]
	if !ok && l.max > 0 && len(l.callers) >= l.max {
		l.mu.Unlock()
		if l.OnCapacity != nil {
			l.OnCapacity()
		}
		return false
	}
	if !ok {
		c = &caller{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.callers[key] = c
	}
	now := l.now()
	c.lastSeen = now
	allowed := c.limiter.AllowN(now, 1)

	first := false
	if !allowed && !c.reported {
		c.reported = true
		first = true
	}
	l.mu.Unlock()

	// hooks may log or touch metrics, keep them outside the lock
	if first && l.OnFirstDenied != nil {
		l.OnFirstDenied(key)
	}
	if !allowed && l.OnDenied != nil {
		l.OnDenied(key)
	}
	return allowed
}

// Len returns the number of tracked callers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}

func (l *Limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, c := range l.callers {
		if now.Sub(c.lastSeen) > l.ttl {
			delete(l.callers, k)
		}
	}
}

func (l *Limiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

// PeerKey keys requests by the connection's remote host.
func PeerKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Middleware rejects requests over budget with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(PeerKey(r)) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"errorMessage":"too many requests","errorType":"TooManyRequestsException"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
