package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"secure-analysis-gateway/internal/apperr"
	"secure-analysis-gateway/internal/audit"
	"secure-analysis-gateway/internal/models"
	"secure-analysis-gateway/internal/ratelimit"
	"secure-analysis-gateway/internal/telemetry"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// principalFrom returns the caller set by authenticate.
func principalFrom(ctx context.Context) models.Principal {
	p, _ := ctx.Value(principalKey{}).(models.Principal)
	return p
}

// clientIP is the TCP peer address. Forwarding headers are ignored so
// callers cannot choose their own rate-limit key.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func auditContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithRemoteAddr(r.Context(), clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > len("bearer ") && strings.EqualFold(h[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(h[len("bearer "):])
	}
	return ""
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.tokens.Verify(r.Context(), bearerToken(r), clientIP(r))
		if err != nil {
			writeError(w, err)
			return
		}
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("subject", p.Subject)
		})
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// requireScope admits callers holding scope. Admins hold every scope.
// Denials are audited.
func (s *Server) requireScope(scope models.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFrom(r.Context())
			if !p.HasScope(scope) && !p.IsAdmin() {
				s.audit.Record(r.Context(), p.Subject, models.ActionScopeCheck, r.Method+" "+r.URL.Path,
					models.OutcomeDenied, "missing scope "+string(scope))
				writeError(w, apperr.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// allow consumes one token from bucket for key. It writes the response
// and returns false when the request must stop. Limiter errors fail
// closed.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, bucket ratelimit.Bucket, key, actor string) bool {
	d, err := s.limiter.Allow(r.Context(), key, bucket)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("bucket", string(bucket)).Msg("rate limiter unavailable")
		writeError(w, apperr.ErrInternal)
		return false
	}
	if d.Allowed {
		return true
	}
	telemetry.RateLimitRejects.WithLabelValues(string(bucket)).Inc()
	s.audit.Record(r.Context(), actor, models.ActionRateLimited, string(bucket), models.OutcomeDenied, "key="+key)
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, apperr.ErrRateLimited)
	return false
}
