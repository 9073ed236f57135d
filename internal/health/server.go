package health

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server wraps the gRPC server and its TCP listener.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	registry   *Registry
}

// NewServer binds addr and registers the health service of reg.
func NewServer(addr string, reg *Registry) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health: listen on %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, reg.HealthServer())

	return &Server{grpcServer: gs, listener: lis, registry: reg}, nil
}

// Addr is the bound address, useful when addr had port 0.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve accepts connections until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpcServer.Serve(s.listener) }()

	select {
	case <-ctx.Done():
		s.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// GracefulStop flips every service to NOT_SERVING and drains in-flight RPCs.
func (s *Server) GracefulStop() {
	s.registry.Shutdown()
	s.grpcServer.GracefulStop()
}
