package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/authbridge/mailmcp/internal/auth"
	"github.com/authbridge/mailmcp/internal/instrumentation"
	"github.com/authbridge/mailmcp/internal/logging"
)

type contextKey string

const (
	identityContextKey contextKey = "mailmcp/identity"
	rawTokenContextKey contextKey = "mailmcp/raw-token"
)

// ContextWithIdentity returns a context carrying the verified identity and
// the raw bearer token it came from. Exposed for stdio transports and
// tests, which bypass the HTTP middleware.
func ContextWithIdentity(ctx context.Context, id auth.Identity, rawToken string) context.Context {
	ctx = context.WithValue(ctx, identityContextKey, id)
	return context.WithValue(ctx, rawTokenContextKey, rawToken)
}

// IdentityFromContext returns the verified identity of the request, if any.
func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(auth.Identity)
	return id, ok
}

// RawTokenFromContext returns the bearer token the identity was verified
// from. Needed for identity-provider profile lookups on behalf of the user.
func RawTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(rawTokenContextKey).(string)
	return token, ok
}

// unauthorized writes the RFC 6750 error response for a rejected bearer.
// The reason never reaches the client beyond the coarse error code; details
// stay in the server log.
func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "invalid_token",
		"error_description": "The access token is missing, malformed, expired, or otherwise invalid",
	})
}

// BearerAuth verifies the Authorization header on every request and injects
// the resulting identity into the request context. Requests without a valid
// bearer token are rejected with 401 before reaching the MCP handler.
func BearerAuth(verifier *auth.Verifier, metrics *instrumentation.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "bearer_auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			scheme, token, found := strings.Cut(header, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
				metrics.RecordVerification(r.Context(), instrumentation.StatusError, "missing_bearer")
				logger.Debug("request without bearer token", slog.String("path", r.URL.Path))
				unauthorized(w)
				return
			}

			id, err := verifier.Verify(r.Context(), token)
			if err != nil {
				reason := "unknown"
				var authErr *auth.AuthError
				if errors.As(err, &authErr) {
					reason = string(authErr.Reason)
				}
				metrics.RecordVerification(r.Context(), instrumentation.StatusError, reason)
				logger.Info("rejected bearer token",
					logging.Reason(reason),
					slog.String("path", r.URL.Path),
					slog.String("token", logging.SanitizeToken(token)))
				unauthorized(w)
				return
			}

			metrics.RecordVerification(r.Context(), instrumentation.StatusSuccess, "")
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), *id, token)))
		})
	}
}

// visitor tracks the limiter for one client IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-client-IP request rate on the HTTP surface.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter allowing rps requests per second with
// the given burst per client IP. Idle entries are dropped in the
// background.
func NewRateLimiter(ctx context.Context, rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanup(ctx)
	return rl
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the per-IP limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for the metrics middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// HTTPMetrics records request counts and latency per method and path, and
// tracks how many requests are in flight.
func HTTPMetrics(metrics *instrumentation.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			metrics.IncrementActiveSessions(r.Context())
			defer metrics.DecrementActiveSessions(r.Context())
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rec.status, time.Since(start))
		})
	}
}

// Chain applies middlewares to h in order, outermost first.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
