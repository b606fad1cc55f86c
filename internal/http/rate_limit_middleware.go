package httpx

import (
	"net/http"
	"strings"
	"time"
)

// RateLimiter decides whether a keyed request fits its fixed window.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) RateDecision
	Close()
}

// RateDecision is the outcome of one Allow call.
type RateDecision struct {
	Allowed bool
	// Count is the number of requests seen in the current window, this one included.
	Count int
	// Reset is when the current window ends. Zero when unknown.
	Reset time.Time
}

// withRateLimit rejects requests beyond limit per window. A non-positive
// limit disables the check. Rejected requests never reach next, so no
// capture is opened for them.
func (r *Router) withRateLimit(route string, limit int, window time.Duration, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		client := keyFn(req)
		if client == "" {
			client = rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(route+"|"+client, limit, window)
		r.applyRateHeaders(w, limit, decision)
		if decision.Allowed {
			next(w, req)
			return
		}
		r.recordRateLimitHit(route, rateMetricKey(client))
		if r.logger != nil {
			r.logger.Debug("rate limited", "route", route, "client", client, "count", decision.Count)
		}
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	}
}

// handlerAuthRate authenticates first so diagnostics limits apply per token subject.
func (r *Router) handlerAuthRate(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(route, limit, window, rateLimitKeySubject, next))
}

func rateLimitKeySubject(req *http.Request) string {
	info, ok := authInfoFromContext(req.Context())
	if !ok || info.Subject == "" {
		return ""
	}
	return "subject:" + info.Subject
}

func rateLimitKeyIP(req *http.Request) string {
	if host := clientIP(req); host != "" {
		return "ip:" + host
	}
	return "ip:unknown"
}

// rateMetricKey keeps metric cardinality low by reporting only the key kind.
func rateMetricKey(key string) string {
	kind, _, found := strings.Cut(key, ":")
	switch {
	case key == "":
		return "unknown"
	case found && kind != "":
		return kind
	default:
		return key
	}
}
