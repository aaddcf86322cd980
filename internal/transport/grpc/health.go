// Package grpc exposes the standard gRPC health service backed by the store.
package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name under which the storefront reports its health.
const ServiceName = "storefront.v1.Inventory"

// Pinger checks that a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer answers grpc.health.v1.Health checks. A check reports NOT_SERVING
// while the store cannot be pinged, otherwise the registered status.
type HealthServer struct {
	*health.Server
	store   Pinger
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthServer creates a HealthServer reporting SERVING for ServiceName and the server as a whole.
func NewHealthServer(store Pinger, timeout time.Duration, logger *slog.Logger) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &HealthServer{
		Server:  hs,
		store:   store,
		timeout: timeout,
		logger:  logger.With("component", "grpc-health"),
	}
}

// Check pings the store before reporting the registered status.
func (s *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	resp, err := s.Server.Check(ctx, req)
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return resp, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.WarnContext(ctx, "Store ping failed", "error", err)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return resp, nil
}

// Register adds the health service to a gRPC server.
func (s *HealthServer) Register(server *grpc.Server) {
	healthpb.RegisterHealthServer(server, s)
}
