package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tacedge/tacedge/pkg/audit"
	"github.com/tacedge/tacedge/pkg/auth"
	"github.com/tacedge/tacedge/pkg/config"
	"github.com/tacedge/tacedge/pkg/log"
	"github.com/tacedge/tacedge/pkg/metrics"
	"github.com/tacedge/tacedge/pkg/nodes"
	"github.com/tacedge/tacedge/pkg/queue"
	"github.com/tacedge/tacedge/pkg/sealer"
)

// requestTimeout bounds how long any one request may hold a handler.
const requestTimeout = 30 * time.Second

// Server is the HTTP gateway: the only ingress surface of the relay.
type Server struct {
	cfg      *config.Config
	queue    *queue.Queue
	sealer   *sealer.Sealer
	auth     *auth.Authenticator
	registry *nodes.Registry
	auditLog *audit.Logger
	limits   *rateLimits
	logger   zerolog.Logger

	httpServer *http.Server
}

// New wires the gateway over its collaborators.
func New(cfg *config.Config, q *queue.Queue, s *sealer.Sealer, a *auth.Authenticator, reg *nodes.Registry, al *audit.Logger) *Server {
	srv := &Server{
		cfg:      cfg,
		queue:    q,
		sealer:   s,
		auth:     a,
		registry: reg,
		auditLog: al,
		limits:   newRateLimits(cfg.RateLimits),
		logger:   log.WithComponent("gateway"),
	}
	srv.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestID)
	r.Use(s.accessLog)
	r.Use(chimw.Timeout(requestTimeout))

	// Operational endpoints stay outside the authenticated surface.
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Token issuance is unauthenticated. The trust boundary is the
		// enclave network the gateway listens on, not a prior token.
		r.Post("/auth/token", s.handleIssueToken)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.With(s.requirePermission(auth.PermMessageSend)).
				Post("/messages", s.handleSubmitMessage)
			r.With(s.requirePermission(auth.PermMessageRead), s.rateLimit(classRead)).
				Get("/messages/{id}", s.handleGetMessage)
			r.With(s.requirePermission(auth.PermMessageRead), s.rateLimit(classRead)).
				Get("/messages/{id}/content", s.handleGetContent)
			r.With(s.requirePermission(auth.PermMessageSend)).
				Post("/messages/{id}/ack", s.handleAckMessage)

			r.With(s.requirePermission(auth.PermNodeStatus), s.rateLimit(classRead)).
				Get("/nodes", s.handleListNodes)
			// Any authenticated token may hit the heartbeat route; the
			// handler enforces the node binding.
			r.Post("/nodes/{id}/heartbeat", s.handleHeartbeat)

			r.With(s.requirePermission(auth.PermNodeStatus), s.rateLimit(classRead)).
				Get("/queue/status", s.handleQueueStatus)

			r.With(s.requirePermission(auth.PermAuditRead), s.rateLimit(classRead)).
				Get("/audit/events", s.handleAuditEvents)
			r.With(s.requirePermission(auth.PermAuditRead), s.rateLimit(classRead)).
				Get("/audit/stats", s.handleAuditStats)
		})
	})

	return r
}

// Handler exposes the routed handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves HTTP until Shutdown. It blocks.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("gateway listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
