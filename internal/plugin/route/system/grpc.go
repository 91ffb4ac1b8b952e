package system

import (
	"context"

	"github.com/charmbracelet/log"
	registryroute "github.com/chirino/docstore-registry/internal/registry/route"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the gRPC health service name reported alongside the
// overall ("") server status.
const ServiceName = "docstore.registry.Connections"

// HealthServer answers grpc.health.v1.Health/Check from the same state as /ready.
type HealthServer struct {
	healthpb.UnimplementedHealthServer
	deps registryroute.Deps
}

// NewHealthServer returns a health server reading readiness from deps.
func NewHealthServer(deps registryroute.Deps) *HealthServer {
	return &HealthServer{deps: deps}
}

// Register adds the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h)
}

func (h *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	switch req.GetService() {
	case "", ServiceName:
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	r := Check(ctx, h.deps)
	if !r.Serving() {
		log.Debug("gRPC health check not serving", "status", r.Status, "directory", r.Directory)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
