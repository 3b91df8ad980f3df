package server

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seekapa/copilot/internal/auth"
)

type contextKey string

const (
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyClaims    contextKey = "claims"
)

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// ClaimsFrom extracts the authenticated claims, nil for anonymous requests.
func ClaimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(ctxKeyClaims).(*auth.Claims)
	return claims
}

// allowedContentTypes whitelists POST/PUT bodies.
var allowedContentTypes = []string{"application/json", "text/plain"}

// withRequestID assigns a request id and reflects it in the response.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// withTrustedHost rejects requests whose Host is not allowlisted. An empty
// allowlist admits everything.
func (s *Server) withTrustedHost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hosts := s.cfg.Server.TrustedHosts
		if len(hosts) > 0 {
			host := r.Host
			if h, _, err := splitHostPort(host); err == nil {
				host = h
			}
			if !slices.Contains(hosts, host) && !slices.Contains(hosts, "*") {
				writeError(w, r, http.StatusBadRequest, "invalid host header")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func splitHostPort(hostport string) (string, string, error) {
	i := strings.LastIndex(hostport, ":")
	if i < 0 {
		return hostport, "", fmt.Errorf("no port")
	}
	return hostport[:i], hostport[i+1:], nil
}

// withCORS handles preflight and sets origin headers for allowlisted
// origins only.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && slices.Contains(s.cfg.Server.AllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Client-ID, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withSecurityHeaders applies the standard hardening headers.
func (s *Server) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

// withBodyLimits caps request bodies and whitelists content types for
// mutating methods.
func (s *Server) withBodyLimits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		maxBody := s.cfg.Server.MaxBodyBytes
		if maxBody <= 0 {
			maxBody = 10 << 20
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			if r.ContentLength > maxBody {
				writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			if ct := r.Header.Get("Content-Type"); ct != "" {
				base := strings.TrimSpace(strings.Split(ct, ";")[0])
				if !slices.Contains(allowedContentTypes, base) {
					writeError(w, r, http.StatusUnsupportedMediaType, "unsupported content type")
					return
				}
			}
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		next.ServeHTTP(w, r)
	})
}

// withRateLimit enforces blocked IPs first, then the per-identity windows.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter.IsBlocked(clientIP(r)) {
			writeError(w, r, http.StatusForbidden, "access denied")
			return
		}

		d := s.limiter.Check(clientIdentity(r))
		setRateHeaders(w, s.limiter.limits, d)
		if !d.Allowed {
			if s.metrics != nil {
				s.metrics.RateLimited.WithLabelValues(d.Window).Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded: "+d.Window+" window")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// withObservability is the innermost wrapper: request metrics plus audit
// events for server errors.
func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		status := strconv.Itoa(rec.status)
		if s.metrics != nil {
			s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(elapsed.Seconds())
			s.metrics.HTTPRequestCounter.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		}

		if rec.status >= 500 && s.audit != nil {
			s.auditSystemError(r, rec.status)
		}

		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", elapsed,
			"request_id", requestIDFrom(r.Context()))
	})
}

// requireAuth decodes the bearer token and, when perms are given, checks
// each against the claims.
func (s *Server) requireAuth(next http.HandlerFunc, perms ...auth.Permission) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.authenticate(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		for _, p := range perms {
			if !slices.Contains(claims.Permissions, string(p)) {
				writeError(w, r, http.StatusForbidden, "insufficient permissions")
				return
			}
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyClaims, claims)))
	}
}

// requireRole is requireAuth with a role check instead of permissions.
func (s *Server) requireRole(next http.HandlerFunc, roles ...auth.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.authenticate(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		allowed := false
		for _, role := range roles {
			if auth.HasRole(claims.Roles, role) {
				allowed = true
				break
			}
		}
		if !allowed {
			writeError(w, r, http.StatusForbidden, "insufficient role")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyClaims, claims)))
	}
}

func (s *Server) authenticate(r *http.Request) (*auth.Claims, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, auth.ErrInvalidToken
	}
	return s.auth.Tokens().Decode(r.Context(), token, auth.TokenTypeAccess)
}
