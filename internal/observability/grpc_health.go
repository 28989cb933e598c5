package observability

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RemoteTranscriptionService is the gRPC health service name reporting
// whether remote transcription is in use or the fallback recognizer took over.
const RemoteTranscriptionService = "session-recorder.RemoteTranscription"

// GRPCHealth serves the standard grpc.health.v1 protocol for orchestrators
// that probe over gRPC instead of HTTP.
type GRPCHealth struct {
	server *grpc.Server
	health *health.Server
}

// NewGRPCHealth creates a health server with the overall service SERVING
func NewGRPCHealth() *GRPCHealth {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(RemoteTranscriptionService, healthpb.HealthCheckResponse_SERVING)

	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	return &GRPCHealth{server: s, health: hs}
}

// SetRemoteServing flips the remote transcription status
func (g *GRPCHealth) SetRemoteServing(serving bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus(RemoteTranscriptionService, status)
}

// Serve listens on the given port and blocks until Stop
func (g *GRPCHealth) Serve(port string) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC health on %s: %w", port, err)
	}
	return g.server.Serve(lis)
}

// ServeListener serves on an existing listener (used by tests)
func (g *GRPCHealth) ServeListener(lis net.Listener) error {
	return g.server.Serve(lis)
}

// Stop marks everything NOT_SERVING and stops the server
func (g *GRPCHealth) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
