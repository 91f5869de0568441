package server

import (
	"context"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"provider/internal/eventbus"
)

// HealthService is the gRPC health service name reported for the agent.
const HealthService = "provider"

// healthPublisher mirrors agent status events onto the gRPC health server:
// SERVING while the control channel is online, NOT_SERVING otherwise.
func healthPublisher(hs *health.Server) eventbus.Publisher {
	return eventbus.PublisherFunc(func(ctx context.Context, e eventbus.Event) error {
		if e.Type != eventbus.EventStatus {
			return nil
		}
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if e.Status == eventbus.StatusOnline {
			status = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus(HealthService, status)
		return nil
	})
}
