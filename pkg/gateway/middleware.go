package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/tacedge/tacedge/pkg/audit"
	"github.com/tacedge/tacedge/pkg/auth"
	"github.com/tacedge/tacedge/pkg/config"
	"github.com/tacedge/tacedge/pkg/metrics"
	"github.com/tacedge/tacedge/pkg/types"
)

type contextKey string

const (
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyClaims    contextKey = "claims"
)

// requestIDFrom returns the id assigned by the requestID middleware.
func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// claimsFrom returns the verified token claims, nil on unauthenticated
// routes.
func claimsFrom(ctx context.Context) *auth.Claims {
	if c, ok := ctx.Value(ctxKeyClaims).(*auth.Claims); ok {
		return c
	}
	return nil
}

// requestID assigns each request an id, echoed in responses and error
// envelopes. An inbound X-Request-ID is honored for tracing across hops.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
		s.logger.Info().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("remote", clientAddr(r)).
			Msg("request")
	})
}

// authenticate verifies the bearer token and stores its claims in the
// request context. Failures are audited with the rejection reason.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		claims, err := s.auth.Verify(token)
		if err != nil {
			reason := auth.ReasonMalformed
			var ve *auth.VerifyError
			if errors.As(err, &ve) {
				reason = ve.Reason
			}
			metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
			s.auditLog.Emit(audit.NewEvent(audit.EventAuthFailure,
				types.Actor{SourceAddress: clientAddr(r)},
				types.Action{Operation: r.Method, Resource: r.URL.Path, Outcome: types.OutcomeFailure},
				map[string]string{"reason": reason},
			))
			// No token at all is UNAUTHORIZED; a presented token that fails
			// verification is INVALID_TOKEN.
			if reason == auth.ReasonMissing {
				s.writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			} else {
				s.writeError(w, r, http.StatusUnauthorized, "INVALID_TOKEN", "token rejected")
			}
			return
		}

		s.auditLog.Emit(audit.NewEvent(audit.EventAuthSuccess,
			types.Actor{NodeID: claims.NodeID, Role: claims.Role, SourceAddress: clientAddr(r)},
			types.Action{Operation: r.Method, Resource: r.URL.Path, Outcome: types.OutcomeSuccess},
			map[string]string{"subject": claims.Subject},
		))

		// Any authenticated request from a node-bound token counts as a
		// sign of life for that node.
		if claims.NodeID != "" {
			if _, err := s.registry.Heartbeat(claims.NodeID, time.Now().UTC()); err != nil {
				s.logger.Debug().Err(err).Str("node_id", claims.NodeID).Msg("liveness bump skipped")
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyClaims, claims)))
	})
}

// requirePermission gates a route on one token permission.
func (s *Server) requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFrom(r.Context())
			if claims == nil || !claims.Has(perm) {
				actor := types.Actor{SourceAddress: clientAddr(r)}
				if claims != nil {
					actor.NodeID = claims.NodeID
					actor.Role = claims.Role
				}
				s.auditLog.Emit(audit.NewEvent(audit.EventPermissionDenied,
					actor,
					types.Action{Operation: r.Method, Resource: r.URL.Path, Outcome: types.OutcomeFailure},
					map[string]string{"required_permission": perm},
				))
				s.writeError(w, r, http.StatusForbidden, "FORBIDDEN", "permission denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Rate limit classes. Submissions split FLASH from everything else so
// FLASH traffic has its own tighter quota.
type limitClass int

const (
	classFlash limitClass = iota
	classOther
	classRead
)

// rateLimits holds per-token limiters, one per class, evicted after idle.
type rateLimits struct {
	cfg      config.RateLimitConfig
	limiters *cache.Cache
}

func newRateLimits(cfg config.RateLimitConfig) *rateLimits {
	return &rateLimits{
		cfg:      cfg,
		limiters: cache.New(10*time.Minute, 30*time.Minute),
	}
}

// allow checks the token's quota for the class. Limiters refill at the
// per-minute rate with a burst of the full quota.
func (rl *rateLimits) allow(tokenID string, class limitClass) bool {
	var perMin int
	var key string
	switch class {
	case classFlash:
		perMin, key = rl.cfg.FlashPerMin, tokenID+":flash"
	case classOther:
		perMin, key = rl.cfg.OtherPerMin, tokenID+":other"
	default:
		perMin, key = rl.cfg.ReadsPerMin, tokenID+":read"
	}
	if perMin <= 0 {
		return true
	}

	if v, ok := rl.limiters.Get(key); ok {
		return v.(*rate.Limiter).Allow()
	}
	limiter := rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
	rl.limiters.SetDefault(key, limiter)
	return limiter.Allow()
}

// rateLimit applies a fixed-class quota as route middleware. Submission
// quotas depend on the request body and are checked in the handler
// instead.
func (s *Server) rateLimit(class limitClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFrom(r.Context())
			if claims != nil && !s.limits.allow(claims.ID, class) {
				metrics.RateLimitedTotal.Inc()
				s.auditLog.Emit(audit.NewEvent(audit.EventRateLimited,
					types.Actor{NodeID: claims.NodeID, Role: claims.Role, SourceAddress: clientAddr(r)},
					types.Action{Operation: r.Method, Resource: r.URL.Path, Outcome: types.OutcomeFailure},
					map[string]string{"token_id": claims.ID},
				))
				s.writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "request quota exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
