// Package api exposes the trader's operational surface: Prometheus metrics,
// a JSON health and stats endpoint over HTTP, and the standard gRPC health
// service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"

	"wata/internal/config"
	"wata/internal/metrics"
	"wata/internal/util"
)

// Server hosts the HTTP and gRPC listeners.
type Server struct {
	httpAddr string
	grpcAddr string
	health   *Health
	metrics  *metrics.Metrics
	stats    StatsSource
	logger   *slog.Logger
	now      func() time.Time

	httpSrv *http.Server
	grpcSrv *grpc.Server
}

// NewServer creates a Server. An empty metrics address disables HTTP and a
// zero gRPC port disables gRPC.
func NewServer(cfg config.Server, health *Health, m *metrics.Metrics, stats StatsSource, logger *slog.Logger) *Server {
	s := &Server{
		httpAddr: cfg.MetricsAddr,
		health:   health,
		metrics:  m,
		stats:    stats,
		logger:   util.OrDefault(logger),
		now:      time.Now,
	}
	if cfg.GRPCPort > 0 {
		s.grpcAddr = fmt.Sprintf(":%d", cfg.GRPCPort)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

// ListenAndServe starts the enabled listeners and blocks until ctx is
// cancelled or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.httpAddr != "" {
		ln, err := net.Listen("tcp", s.httpAddr)
		if err != nil {
			return fmt.Errorf("listen http %s: %w", s.httpAddr, err)
		}
		s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		go func() {
			if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if s.grpcAddr != "" {
		ln, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", s.grpcAddr, err)
		}
		s.grpcSrv = grpc.NewServer()
		s.health.RegisterGRPC(s.grpcSrv)
		s.logger.Info("grpc server listening", "addr", ln.Addr().String())
		go func() {
			if err := s.grpcSrv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.shutdown()
		return err
	}
	s.shutdown()
	return nil
}

func (s *Server) shutdown() {
	s.health.Shutdown()
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", "error", err)
		}
	}
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
}
