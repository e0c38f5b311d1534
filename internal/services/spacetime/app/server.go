// Package app wires the trace gRPC API and the monitor lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/louisbranch/spacetime/internal/services/spacetime/api/grpc/trace"
	"github.com/louisbranch/spacetime/internal/services/spacetime/monitor"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Config configures a server that owns its monitor.
type Config struct {
	Addr     string
	DBPath   string
	BlobPath string
}

// Server hosts the trace gRPC API over a monitor.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	monitor    *monitor.Monitor
	ownMonitor bool
}

// New opens the monitoring data at cfg.DBPath and listens on cfg.Addr.
// Replays through a server that owns its monitor only find instrumented
// functions the process registered, so hosts embedding their workload use
// NewWithMonitor instead.
func New(ctx context.Context, cfg Config) (*Server, error) {
	m, err := monitor.Init(ctx, monitor.Config{StoragePath: cfg.DBPath, BlobPath: cfg.BlobPath})
	if err != nil {
		return nil, err
	}
	s, err := NewWithMonitor(cfg.Addr, m)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	s.ownMonitor = true
	return s, nil
}

// NewWithMonitor serves an existing monitor. The caller keeps ownership of m.
func NewWithMonitor(addr string, m *monitor.Monitor) (*Server, error) {
	if m == nil {
		return nil, errors.New("monitor is required")
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	trace.RegisterTraceServer(grpcServer, trace.NewService(m.Query()))
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(trace.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		monitor:    m,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates a server and serves it until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve blocks until ctx is cancelled or the gRPC server fails.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("spacetime server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// Close releases server resources, and the monitor when the server owns it.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.ownMonitor && s.monitor != nil {
		if err := s.monitor.Close(); err != nil {
			log.Printf("close monitor: %v", err)
		}
	}
}
