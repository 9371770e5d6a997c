package server

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCConfig holds gRPC server configuration
type GRPCConfig struct {
	Port int
}

// GRPCServer exposes the standard gRPC health service for orchestrator
// probes. The data plane of this system is the message log, so health is
// the only RPC surface.
type GRPCServer struct {
	server *grpc.Server
	health *grpchealth.Server
	port   int
	logger *zap.Logger
}

// NewGRPCServer creates the server and registers the health service
func NewGRPCServer(cfg *GRPCConfig, logger *zap.Logger) *GRPCServer {
	server := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	return &GRPCServer{
		server: server,
		health: healthServer,
		port:   cfg.Port,
		logger: logger,
	}
}

// Start begins serving in a background goroutine
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on grpc port %d: %w", s.port, err)
	}

	go func() {
		s.logger.Info("gRPC health server listening", zap.Int("port", s.port))
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error("gRPC server exited", zap.Error(err))
		}
	}()
	return nil
}

// SetServing updates the reported status for a service name. An empty name
// sets the overall server status.
func (s *GRPCServer) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Stop drains in-flight RPCs and shuts down
func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
}
