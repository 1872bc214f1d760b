package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/marianboard/internal/health"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/logging"
)

// Server exposes metrics and health endpoints on one address
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *logging.Logger
	errCh      chan error
}

// Config holds server configuration
type Config struct {
	Address         string
	MetricsPath     string
	HealthPath      string
	LivenessPath    string
	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	Logger          *logging.Logger
}

// New creates a new server
func New(cfg Config) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.LivenessPath == "" {
		cfg.LivenessPath = "/health/live"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	mux := http.NewServeMux()
	if cfg.MetricsRegistry != nil {
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(
			cfg.MetricsRegistry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			},
		))
	}
	if cfg.HealthChecker != nil {
		mux.HandleFunc(cfg.HealthPath, cfg.HealthChecker.HTTPHandler())
		mux.HandleFunc(cfg.LivenessPath, cfg.HealthChecker.LivenessHandler())
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Address,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: cfg.Logger.WithComponent("server"),
		errCh:  make(chan error, 1),
	}
}

// Start binds the address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	s.logger.Info().Str("address", ln.Addr().String()).Msg("Starting metrics and health server")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server stopped unexpectedly")
			s.errCh <- err
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Errors reports a serve failure after Start
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	s.logger.Info().Msg("Shutting down metrics and health server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down server")
		return err
	}
	return nil
}
