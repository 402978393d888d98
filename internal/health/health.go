// Package health exposes relay readiness over the standard gRPC health
// protocol.
package health

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the health service name for the relay. The empty name
// reports the same status.
const ServiceName = "clm.relay"

// Server reports SERVING while the active provider has a live client.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	logger *slog.Logger
}

// NewServer creates a health server that starts out NOT_SERVING.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
	)
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{grpc: gs, health: hs, logger: logger}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// SetProviderState matches the OnChange observer signature of the provider
// registry.
func (s *Server) SetProviderState(provider string, ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.set(status)
	s.logger.Info("Health status updated", "provider", provider, "status", status.String())
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving health checks on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains open streams.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
