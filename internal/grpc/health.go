package grpc

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger reports whether the backing store answers
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerStatus reports whether the event broker connection is open
type BrokerStatus interface {
	IsHealthy() bool
}

// HealthServer implements the gRPC health checking protocol
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	store     Pinger
	publisher BrokerStatus
	log       *zap.Logger
}

// NewHealthServer creates a new health check server
func NewHealthServer(store Pinger, publisher BrokerStatus, log *zap.Logger) *HealthServer {
	return &HealthServer{
		store:     store,
		publisher: publisher,
		log:       log,
	}
}

// Check implements the health check
func (h *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: h.status(ctx)}, nil
}

// Watch sends the current status once and returns
func (h *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, server grpc_health_v1.Health_WatchServer) error {
	return server.Send(&grpc_health_v1.HealthCheckResponse{Status: h.status(server.Context())})
}

func (h *HealthServer) status(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if err := h.store.Ping(ctx); err != nil {
		h.log.Error("Database health check failed", zap.Error(err))
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}

	if !h.publisher.IsHealthy() {
		h.log.Error("RabbitMQ health check failed")
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}

	return grpc_health_v1.HealthCheckResponse_SERVING
}
