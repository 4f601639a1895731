// Package grpc serves the admin gRPC endpoint. It exposes the standard
// health service, fed by the background cycles.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/expanse/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health service names reported by the admin server. The empty name is the
// overall server status.
const (
	ServiceRefresh = "expanse.refresh"
	ServiceBackup  = "expanse.backup"
)

// AdminServer serves the standard gRPC health service for the background cycles.
type AdminServer struct {
	address string
	health  *health.Server
	logger  logging.Logger
}

// NewAdminServer builds an admin server bound to address a. Every service
// starts as NOT_SERVING until its cycle reports.
func NewAdminServer(a string, l logging.Logger) *AdminServer {
	s := &AdminServer{
		address: a,
		health:  health.NewServer(),
		logger:  l.With("module", "grpc_server"),
	}
	s.health.SetServingStatus(ServiceRefresh, healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceBackup, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// SetServing reports whether service is currently healthy.
func (s *AdminServer) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Run listens on the configured address and serves until ctx is done.
func (s *AdminServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	return s.Serve(ctx, listen)
}

// Serve accepts connections on listen until ctx is cancelled.
func (s *AdminServer) Serve(ctx context.Context, listen net.Listener) error {

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.loggingInterceptor))
	healthpb.RegisterHealthServer(srv, s.health)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gPRC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
