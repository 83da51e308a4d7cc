package httpapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"finllm.org/internal/obs"
)

// GRPCServer exposes the standard gRPC health service, driven by the same
// readiness probe as /readyz.
type GRPCServer struct {
	server    *grpc.Server
	health    *health.Server
	readiness readinessChecker
}

// NewGRPCServer creates the gRPC server with the health service registered.
// The status is NOT_SERVING until the first Refresh.
func NewGRPCServer(r readinessChecker, opts ...grpc.ServerOption) *GRPCServer {
	s := &GRPCServer{
		server:    grpc.NewServer(opts...),
		health:    health.NewServer(),
		readiness: r,
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.server, s.health)
	return s
}

// Refresh runs the readiness probe once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) error {
	var err error
	if s.readiness != nil {
		err = s.readiness.Check(ctx)
	}
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	obs.SetReady(err == nil)
	return err
}

// Watch refreshes the status every interval until ctx ends.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	check := func() {
		cctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := s.Refresh(cctx); err != nil {
			obs.Component("grpc").Warn("readiness probe failed", "error", err)
		}
	}
	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Serve blocks serving on lis.
func (s *GRPCServer) Serve(lis net.Listener) error { return s.server.Serve(lis) }

// GracefulStop marks the service as shutting down and drains connections.
func (s *GRPCServer) GracefulStop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
