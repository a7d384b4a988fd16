package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/promptgate/pkg/models"
)

// Response headers set on every rate limited route.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderCurrent   = "X-RateLimit-Current"
)

// ClientIP identifies the caller. Forwarding headers are only honored when
// trustForwarded is set, i.e. when a known proxy sits in front.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// SetHeaders writes the X-RateLimit-* headers for d.
func SetHeaders(h http.Header, d Decision) {
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(d.ResetUnix(), 10))
}

// MiddlewareOptions configures Middleware.
type MiddlewareOptions struct {
	TrustForwarded bool
	Logger         *zap.Logger
	// Now is used for Retry-After; defaults to time.Now.
	Now func() time.Time
}

// Middleware enforces category on every request passing through it.
//
// The category is resolved when the middleware is built so a missing policy
// fails at startup. Store errors fail open.
func Middleware(l *Limiter, category Category, opts MiddlewareOptions) (func(http.Handler) http.Handler, error) {
	pol, err := l.Policy(category)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, opts.TrustForwarded)
			d, err := l.Check(r.Context(), ip, category)
			if err != nil {
				opts.Logger.Error("rate limiter failed", zap.Error(err), zap.String("category", string(category)))
				next.ServeHTTP(w, r)
				return
			}

			SetHeaders(w.Header(), d)
			w.Header().Set(HeaderCurrent, strconv.Itoa(d.Current))

			if !d.Allowed {
				retry := d.RetryAfter(opts.Now())
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(models.RateLimitedResponse{
					Error:      pol.Message,
					RetryAfter: retry,
					Limit:      d.Limit,
					Current:    d.Current,
					ResetTime:  d.ResetAt.UTC().Format(time.RFC3339),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}
