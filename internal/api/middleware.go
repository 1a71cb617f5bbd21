package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/punchamoorthee/allocops/internal/domain"
	"github.com/punchamoorthee/allocops/internal/ratelimit"
)

// RateLimitOptions configure admission control for one route class.
type RateLimitOptions struct {
	Limiter        *ratelimit.Limiter
	Limit          ratelimit.Limit
	Route          string
	ConsumerHeader string
}

// consumerKey identifies the caller: the API consumer header when present,
// else the first X-Forwarded-For hop, else the remote address.
func consumerKey(r *http.Request, header string) string {
	if header != "" {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// RateLimitMiddleware gates requests before any other work. Buckets are per
// (consumer, route); denials carry Retry-After and never block.
func RateLimitMiddleware(opts RateLimitOptions) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := consumerKey(r, opts.ConsumerHeader) + ":" + opts.Route

			dec, err := opts.Limiter.Consume(r.Context(), key, opts.Limit)
			if err != nil {
				// Mutating routes fail closed when the shared store is down.
				httpRequestsTotal.WithLabelValues(r.Method, opts.Route, "500").Inc()
				respondWithJSON(w, http.StatusInternalServerError, map[string]string{
					"error_code": domain.CodeInfraUnavailable,
					"error":      "admission control unavailable",
				})
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(opts.Limit.Capacity))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))

			if !dec.Allowed {
				retryAfter := int(dec.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				httpRequestsTotal.WithLabelValues(r.Method, opts.Route, "429").Inc()
				respondWithJSON(w, http.StatusTooManyRequests, map[string]string{
					"error_code": domain.CodeRateLimited,
					"error":      "rate limit exceeded",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
