package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
)

// TenantRateLimiter keeps one token bucket per tenant. Unauthenticated
// requests are bucketed by client IP.
type TenantRateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	rps       rate.Limit
	burst     int
	idleAfter time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTenantRateLimiter allows rps requests per second per tenant with the
// given burst.
func NewTenantRateLimiter(rps float64, burst int) *TenantRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TenantRateLimiter{
		visitors:  make(map[string]*visitor),
		rps:       rate.Limit(rps),
		burst:     burst,
		idleAfter: 3 * time.Minute,
		now:       time.Now,
	}
}

func (rl *TenantRateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > time.Minute {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rl.idleAfter {
				delete(rl.visitors, k)
			}
		}
		rl.lastSweep = now
	}

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Middleware rejects requests over the bucket with 429. It must run after
// Authenticate so the tenant is known.
func (rl *TenantRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientIP(r)
		if actor, ok := auth.ActorFrom(r.Context()); ok && actor.TenantID != "" {
			key = "tenant:" + actor.TenantID
		}

		lim := rl.limiter(key)
		if !lim.Allow() {
			retry := 1
			if rl.rps > 0 {
				retry = int(1/float64(rl.rps)) + 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
