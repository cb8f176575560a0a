// Package grpcserver exposes the standard gRPC health service. Serving status
// follows the same probes as the HTTP /health endpoint, so orchestrators can
// check worker processes that serve no HTTP.
package grpcserver

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"skillora/ingest-service/internal/health"
)

// ServiceName is the health service name reported next to the overall ("")
// status.
const ServiceName = "skillora.ingest"

// Server wraps a grpc.Server with a health service driven by a Checker.
type Server struct {
	grpc    *grpc.Server
	health  *grpchealth.Server
	checker *health.Checker
	log     *slog.Logger
}

func New(checker *health.Checker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "grpc")
	s := &Server{
		health:  grpchealth.NewServer(),
		checker: checker,
		log:     log,
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logUnary))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve blocks serving lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc health listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Refresh runs the probes once and publishes the result.
func (s *Server) Refresh(ctx context.Context) {
	report, ok := s.checker.Check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.log.Warn("health check failing", "report", report)
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Watch refreshes the status every interval until ctx is done.
func (s *Server) Watch(ctx context.Context, every time.Duration) {
	s.Refresh(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Stop marks every service NOT_SERVING and drains open RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Warn("rpc failed", "method", info.FullMethod, "duration", time.Since(start), "err", err)
	} else {
		s.log.Debug("rpc", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}
