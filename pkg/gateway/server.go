// Package gateway serves the rate limited, cached completion endpoint and
// the operator endpoints around it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/promptgate/pkg/cache"
	"github.com/pario-ai/promptgate/pkg/config"
	"github.com/pario-ai/promptgate/pkg/metrics"
	"github.com/pario-ai/promptgate/pkg/provider"
	"github.com/pario-ai/promptgate/pkg/ratelimit"
)

// Deps are the components the server is wired with.
type Deps struct {
	Limiter   *ratelimit.Limiter
	Cache     *cache.Cache // nil disables caching
	Completer provider.Completer
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Server is the promptgate HTTP gateway.
type Server struct {
	cfg        *config.Config
	limiter    *ratelimit.Limiter
	cache      *cache.Cache
	completer  provider.Completer
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	completion ratelimit.Policy
	flight     singleflight.Group
	router     chi.Router
}

// New creates a Server. Every rate limit category the routes use is
// resolved here, so a broken policy table fails at startup.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Limiter == nil {
		return nil, errors.New("gateway: limiter is required")
	}
	if deps.Completer == nil {
		return nil, errors.New("gateway: completer is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	pol, err := deps.Limiter.Policy(completionCategory)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		limiter:    deps.Limiter,
		cache:      deps.Cache,
		completer:  deps.Completer,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		now:        deps.Now,
		completion: pol,
	}
	if err := s.routes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) routes() error {
	limit := func(c ratelimit.Category) (func(http.Handler) http.Handler, error) {
		return ratelimit.Middleware(s.limiter, c, ratelimit.MiddlewareOptions{
			TrustForwarded: s.cfg.RateLimit.TrustForwarded,
			Logger:         s.logger,
			Now:            s.now,
		})
	}
	adminLimit, err := limit(ratelimit.CategoryAdminAPI)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	readLimit, err := limit(ratelimit.CategoryReadAPI)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(logRequests(s.logger))
	r.Use(middleware.Recoverer)

	r.HandleFunc("/api/claude", s.handleCompletion)
	r.HandleFunc("/v1/complete", s.handleCompletion)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(bearerAuth(s.cfg.Admin.Token))
		r.With(adminLimit).Get("/cache/stats", s.handleCacheStats)
		r.With(adminLimit).Delete("/cache", s.handleCachePurge)
		r.With(readLimit).Get("/ratelimit/stats", s.handleRateLimitStats)
		r.With(adminLimit).Delete("/ratelimit/{category}/{identifier}", s.handleRateLimitReset)
	})

	s.router = r
	return nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("promptgate listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}
