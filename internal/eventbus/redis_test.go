package eventbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("Redis is not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisPublisherRoundTrip(t *testing.T) {
	rdb := newTestRedis(t)
	machineID := "machine-" + uuid.NewString()[:8]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := Subscribe(ctx, rdb, machineID, testLogger())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus := NewBus(testLogger(), 16, NewRedisPublisher(rdb, machineID, testLogger()))
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	go bus.Run(busCtx)

	bus.Status(StatusOnline)
	bus.Log("Received job job-1")

	var got []Event
	for len(got) < 2 {
		select {
		case e, ok := <-events:
			if !ok {
				t.Fatalf("Subscription closed early after %d events", len(got))
			}
			got = append(got, e)
		case <-ctx.Done():
			t.Fatalf("Timed out waiting for events, got %d", len(got))
		}
	}

	if got[0].Type != EventStatus || got[0].Status != StatusOnline {
		t.Errorf("Expected online status first, got %+v", got[0])
	}
	if got[1].Type != EventLog || got[1].Text != "Received job job-1" {
		t.Errorf("Expected log event second, got %+v", got[1])
	}
	for _, e := range got {
		if e.MachineID != machineID {
			t.Errorf("Expected machine id %s, got %q", machineID, e.MachineID)
		}
		if e.Timestamp.IsZero() {
			t.Error("Expected timestamp to survive the round trip")
		}
	}
}
