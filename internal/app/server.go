// Package app assembles the proxy: config in, a ready-to-serve HTTP
// handler and its backing resources out.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/arbstr/arbstr/internal/circuitbreaker"
	"github.com/arbstr/arbstr/internal/config"
	"github.com/arbstr/arbstr/internal/httpapi"
	"github.com/arbstr/arbstr/internal/logging"
	"github.com/arbstr/arbstr/internal/metrics"
	"github.com/arbstr/arbstr/internal/router"
	"github.com/arbstr/arbstr/internal/store"
	"github.com/arbstr/arbstr/internal/tracing"
	"github.com/arbstr/arbstr/internal/upstream"
)

type Server struct {
	cfg    *config.Config
	r      *chi.Mux
	store  *store.Store
	logger *slog.Logger

	tracingShutdown func(context.Context) error
}

// NewServer wires config into the routing engine, circuit breakers,
// request store, and HTTP routes. keySources feed the startup
// diagnostics so operators can see where each provider credential came
// from without seeing the credential.
func NewServer(cfg *config.Config, keySources map[string]config.KeySource) (*Server, error) {
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.File)

	tracingShutdown, err := tracing.Setup(tracing.FromEnv())
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "x-arbstr-policy"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	m := metrics.New()

	names := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		names = append(names, p.Name)
		logger.Info("provider configured",
			slog.String("provider", p.Name),
			slog.String("url", p.URL),
			slog.String("api_key_source", keySources[p.Name].String()),
			slog.Uint64("output_rate", p.OutputRate),
			slog.Uint64("base_fee", p.BaseFee))
	}

	breakers := circuitbreaker.NewRegistry(names,
		circuitbreaker.WithOnStateChange(func(provider string, from, to circuitbreaker.State) {
			logger.Info("circuit state change",
				slog.String("provider", provider),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			m.ObserveCircuitState(provider, to.String())
		}))

	engine := router.New(cfg.Providers, cfg.Policies.Rules, cfg.Policies.DefaultStrategy)

	var st *store.Store
	if path := cfg.DatabasePath(); path != "" {
		st, err = store.Open(path)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(context.Background()); err != nil {
			_ = st.Close()
			return nil, err
		}
		logger.Info("request log database ready", slog.String("path", path))
	} else {
		logger.Info("no database configured, request logging disabled")
	}

	s := &Server{
		cfg:             cfg,
		r:               r,
		store:           st,
		logger:          logger,
		tracingShutdown: tracingShutdown,
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Config:   cfg,
		Engine:   engine,
		Breakers: breakers,
		Upstream: upstream.NewClient(),
		Store:    st,
		Metrics:  m,
	})

	return s, nil
}

// Router returns the assembled HTTP handler.
func (s *Server) Router() http.Handler { return s.r }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the server's resources.
func (s *Server) Close() error {
	var firstErr error
	if s.store != nil {
		firstErr = s.store.Close()
	}
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tracingShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
