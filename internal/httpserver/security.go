package httpserver

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"perpsim/internal/httputil"
)

// SecurityHeaders adds standard security headers to protect against common attacks
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}

// Per-IP token buckets. Rate: 10 requests/sec, Burst: 30.
type visitorLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var limiter = &visitorLimiter{visitors: make(map[string]*visitor)}

func (vl *visitorLimiter) get(ip string) *rate.Limiter {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	v, ok := vl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(10, 30)}
		vl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// pruneVisitors cleans up idle entries to prevent memory leaks
func (vl *visitorLimiter) pruneVisitors() {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	now := time.Now()
	for ip, v := range vl.visitors {
		if now.Sub(v.lastSeen) > 3*time.Minute {
			delete(vl.visitors, ip)
		}
	}
}

func init() {
	go func() {
		for {
			time.Sleep(time.Minute)
			limiter.pruneVisitors()
		}
	}()
}

func RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if !limiter.get(ip).Allow() {
			httputil.WriteJSON(w, http.StatusTooManyRequests, httputil.ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
