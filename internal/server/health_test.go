package server

import (
	"context"
	"testing"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"provider/internal/eventbus"
)

func TestHealthPublisherFollowsAgentStatus(t *testing.T) {
	hs := health.NewServer()
	pub := healthPublisher(hs)
	ctx := context.Background()

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hs.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
		if err != nil {
			t.Fatalf("Health check failed: %v", err)
		}
		return resp.GetStatus()
	}

	steps := []struct {
		event eventbus.Event
		want  healthpb.HealthCheckResponse_ServingStatus
	}{
		{eventbus.Event{Type: eventbus.EventStatus, Status: eventbus.StatusConnecting}, healthpb.HealthCheckResponse_NOT_SERVING},
		{eventbus.Event{Type: eventbus.EventStatus, Status: eventbus.StatusOnline}, healthpb.HealthCheckResponse_SERVING},
		// 日志事件不影响健康状态
		{eventbus.Event{Type: eventbus.EventLog, Text: "Connection to control plane lost"}, healthpb.HealthCheckResponse_SERVING},
		{eventbus.Event{Type: eventbus.EventStatus, Status: eventbus.StatusOffline}, healthpb.HealthCheckResponse_NOT_SERVING},
		{eventbus.Event{Type: eventbus.EventStatus, Status: eventbus.StatusError}, healthpb.HealthCheckResponse_NOT_SERVING},
	}

	for i, step := range steps {
		if err := pub.Publish(ctx, step.event); err != nil {
			t.Fatalf("Step %d: publish failed: %v", i, err)
		}
		if got := check(); got != step.want {
			t.Errorf("Step %d: expected %s, got %s", i, step.want, got)
		}
	}
}
