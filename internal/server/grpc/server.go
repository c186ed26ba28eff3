// Package grpc serves the admin control plane: forced key rotation, on-demand
// maintenance jobs and the standard health service.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/securemsg/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Rotator forces rotation of a user's keys.
type Rotator interface {
	ForceRotate(ctx context.Context, userID string) (int, error)
}

// JobRunner runs a named maintenance job immediately.
type JobRunner interface {
	RunNow(ctx context.Context, name string) (int64, error)
}

type GRPCServer struct {
	address   string
	rotator   Rotator
	jobs      JobRunner
	logger    logging.Logger
	jwtSecret []byte
	health    *health.Server
}

func NewGRPCServer(a string, l logging.Logger, r Rotator, j JobRunner, secretKey string) *GRPCServer {
	return &GRPCServer{
		address:   a,
		logger:    l.With("module", "grpc_server"),
		rotator:   r,
		jobs:      j,
		jwtSecret: []byte(secretKey),
		health:    health.NewServer(),
	}
}

// Run listens on the configured address and serves until ctx is done.
func (s *GRPCServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve serves on lis until ctx is done, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.adminInterceptor))

	RegisterKeyAdminServer(srv, s)
	healthpb.RegisterHealthServer(srv, s.health)
	s.health.SetServingStatus(KeyAdminServiceName, healthpb.HealthCheckResponse_SERVING)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	if err := srv.Serve(lis); err != nil {
		return err
	}
	return nil
}
