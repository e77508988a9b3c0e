package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/fnforge/fnforge/pkg/config"
	"github.com/fnforge/fnforge/pkg/deploy"
	"github.com/fnforge/fnforge/pkg/policy"
	"github.com/fnforge/fnforge/pkg/stores"
	"github.com/fnforge/fnforge/pkg/telemetry"
)

// Server is the forge HTTP API.
type Server struct {
	cfg      config.ServerConfig
	orch     *deploy.Orchestrator
	records  stores.Store
	history  stores.HistoryStore
	policies *policy.Engine
	tel      *telemetry.Telemetry
	hub      *Hub
	logger   zerolog.Logger
	validate *validator.Validate
	router   chi.Router
	version  string

	// runCtx parents background deploy runs so they outlive the request
	// that started them.
	runCtx context.Context
}

// Option configures a Server.
type Option func(*Server)

// WithHistory exposes deploy history.
func WithHistory(h stores.HistoryStore) Option {
	return func(s *Server) { s.history = h }
}

// WithPolicyEngine exposes the loaded admission policies.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(s *Server) { s.policies = e }
}

// WithTelemetry sets logging, metrics and the event stream fed to websocket clients.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Server) {
		if tel != nil {
			s.tel = tel
		}
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates the API server.
func New(cfg config.ServerConfig, orch *deploy.Orchestrator, records stores.Store, opts ...Option) (*Server, error) {
	if orch == nil || records == nil {
		return nil, fmt.Errorf("orchestrator and record store are required")
	}

	s := &Server{
		cfg:      cfg,
		orch:     orch,
		records:  records,
		tel:      telemetry.NewNopTelemetry(),
		validate: newValidator(),
		version:  "dev",
		runCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.tel.Logger.NewComponentLogger("server").Zerolog()
	s.hub = NewHub(cfg.CORSOrigins, s.logger)
	s.router = s.routes()

	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Get("/ws", s.hub.HandleConnect)
		r.Get("/deployments/active", s.listActive)
		r.Get("/policies", s.listPolicies)

		r.Route("/workspaces/{workspaceID}/functions", func(r chi.Router) {
			r.Get("/", s.listFunctions)
			r.Post("/", s.createFunction)
		})

		r.Route("/functions/{functionID}", func(r chi.Router) {
			r.Get("/", s.getFunction)
			r.Patch("/", s.patchFunction)
			r.Delete("/", s.deleteFunction)

			r.Post("/deploy", s.startDeploy)
			r.Delete("/deploy", s.cancelDeploy)
			r.Post("/deploy/resume", s.startResume)
			r.Get("/deployments", s.listDeployments)
			r.Get("/deployments/{runID}/events", s.listEvents)
		})
	})

	if s.tel.Metrics != nil {
		path := s.tel.Config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, s.tel.Metrics.Handler())
	}

	return r
}

// requestLogger logs one line per request with zerolog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request handled")
	})
}

// startStreaming runs the hub and feeds it every published event.
func (s *Server) startStreaming() func() {
	ctx, cancel := context.WithCancel(context.Background())
	go s.hub.Run(ctx)
	unsubscribe := s.tel.Events.Subscribe(s.hub.Broadcast, nil)
	return func() {
		unsubscribe()
		cancel()
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully. In-flight
// deploy runs are cancelled once the server has stopped accepting requests.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	s.runCtx = runCtx

	stopStreaming := s.startStreaming()
	defer stopStreaming()

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info().Msg("Shutting down API server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	if n := len(s.orch.ActiveRuns()); n > 0 {
		s.logger.Warn().Int("runs", n).Msg("Cancelling in-flight deploy runs")
	}
	return nil
}
