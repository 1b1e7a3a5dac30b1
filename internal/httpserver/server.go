// Package httpserver terminates HTTP: it resolves API keys and admin
// secrets, dispatches /mcp calls into the Gate and Router, writes SSE
// streams for server-to-client notifications, and exposes the admin and
// observability surface. The chi+cors+middleware wiring follows a
// payment-proxy's server.go shape, adapted to PayGate's key/quota/credit
// surface.
package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/paygate/gateway/config"
	"github.com/paygate/gateway/internal/gate"
	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/meter"
	pgmw "github.com/paygate/gateway/internal/middleware"
	"github.com/paygate/gateway/internal/metrics"
	"github.com/paygate/gateway/internal/router"
	"github.com/paygate/gateway/internal/webhook"
)

// Deps bundles every collaborator the HTTP layer needs. All are constructed
// and owned by main; the Server never reaches for a singleton.
type Deps struct {
	Config   *config.Config
	Gate     *gate.Gate
	Store    keystore.Store
	Router   *router.Router
	Meter    *meter.Meter
	Webhooks *webhook.Dispatcher
	Metrics  metrics.Metrics
}

// Server owns the chi router, the session registry, and the underlying
// *http.Server's lifecycle.
type Server struct {
	cfg      *config.Config
	gate     *gate.Gate
	store    keystore.Store
	router   *router.Router
	meter    *meter.Meter
	webhooks *webhook.Dispatcher
	metricsI metrics.Metrics

	sessions *sessionStore
	httpSrv  *http.Server
}

// New builds a Server and its chi mux but does not start listening.
func New(deps Deps) *Server {
	m := deps.Metrics
	if m == nil {
		m = &metrics.NoOpMetrics{}
	}
	s := &Server{
		cfg:      deps.Config,
		gate:     deps.Gate,
		store:    deps.Store,
		router:   deps.Router,
		meter:    deps.Meter,
		webhooks: deps.Webhooks,
		metricsI: m,
		sessions: newSessionStore(deps.Config.Server.SessionTTL),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(pgmw.Recovery)
	r.Use(pgmw.Logging)
	r.Use(pgmw.Metrics)
	r.Use(pgmw.Security)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORS.AllowedOrigins,
		AllowedMethods:   s.cfg.CORS.AllowedMethods,
		AllowedHeaders:   s.cfg.CORS.AllowedHeaders,
		ExposedHeaders:   s.cfg.CORS.ExposedHeaders,
		MaxAge:           s.cfg.CORS.MaxAge,
	}).Handler)
	r.Use(maxBodyMiddleware(s.cfg.Server.MaxBodyBytes))

	s.routes(r)

	s.httpSrv = &http.Server{
		Addr:         s.cfg.Server.Host + ":" + strconv.Itoa(s.cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s
}

func (s *Server) routes(r chi.Router) {
	mcpGroup := r.With(s.mcpBurstGuard())
	mcpGroup.Post("/mcp", s.handleMCPPost)
	mcpGroup.Get("/mcp", s.handleMCPGet)
	mcpGroup.Delete("/mcp", s.handleMCPDelete)

	admin := pgmw.AdminSecret("X-Admin-Key", s.cfg.Admin.AdminSecret)
	r.With(admin).Post("/keys", s.handleCreateKey)
	r.With(admin).Get("/keys", s.handleListKeys)
	r.With(admin).Post("/keys/revoke", s.handleRevokeKey)
	r.With(admin).Post("/keys/rotate", s.handleRotateKey)
	r.With(admin).Post("/keys/acl", s.handleSetACL)
	r.With(admin).Post("/keys/expiry", s.handleSetExpiry)
	r.With(admin).Post("/keys/quota", s.handleSetQuota)
	r.With(admin).Post("/keys/tags", s.handleSetTags)
	r.With(admin).Post("/keys/ip", s.handleSetIPAllowlist)
	r.With(admin).Post("/keys/search", s.handleSearchKeys)
	r.With(admin).Post("/topup", s.handleTopup)
	r.With(admin).Post("/limits", s.handleSetLimits)

	r.Get("/balance", s.handleBalance)

	r.With(admin).Get("/usage", s.handleUsageExport)
	r.With(admin).Get("/audit", s.handleAuditQuery)
	r.With(admin).Get("/audit/export", s.handleAuditExport)
	r.With(admin).Get("/audit/stats", s.handleAuditStats)

	r.Get("/metrics", s.metricsI.Handler().ServeHTTP)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/pricing", s.handlePricing)
	r.Get("/.well-known/mcp-payment", s.handleWellKnown)

	r.Post("/stripe/webhook", s.handleStripeWebhook)
}

// mcpBurstGuard is an in-process go-chi/httprate IP-keyed guard applied
// ahead of the Gate's own per-key limiter, so a single noisy IP hitting
// /mcp before it even resolves to a valid key doesn't reach the Gate at all.
// A MCPBurstPerMinute <= 0 disables it.
func (s *Server) mcpBurstGuard() func(http.Handler) http.Handler {
	limit := s.cfg.Server.MCPBurstPerMinute
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		limit,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limited", requestIDFrom(r.Context()))
		}),
	)
}

// ListenAndServe blocks serving HTTP until Shutdown is called.
func (s *Server) ListenAndServe() error {
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits up to the context
// deadline for in-flight requests to drain, then closes the session registry.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.sessions.close()
	return err
}
