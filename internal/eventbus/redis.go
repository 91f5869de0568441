package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

var _ Publisher = (*RedisPublisher)(nil)

// RedisPublisher fans agent events out on a per-machine pub/sub channel so a
// desktop UI or the control plane can tail them.
type RedisPublisher struct {
	client    redis.Cmdable
	machineID string
	logger    *slog.Logger
}

func NewRedisPublisher(client redis.Cmdable, machineID string, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, machineID: machineID, logger: logger}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	event.MachineID = p.machineID
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return p.client.Publish(ctx, MachineChannelKey(p.machineID), data).Err()
}

// Subscribe 订阅某台机器的事件流，主要给调试工具和测试使用。
// 返回前等待订阅确认，之后发布的事件不会丢失。
func Subscribe(ctx context.Context, client *redis.Client, machineID string, logger *slog.Logger) (<-chan Event, error) {
	pubSub := client.Subscribe(ctx, MachineChannelKey(machineID))
	if _, err := pubSub.Receive(ctx); err != nil {
		pubSub.Close()
		return nil, fmt.Errorf("failed to subscribe to machine events: %w", err)
	}
	ch := make(chan Event)

	go func() {
		<-ctx.Done()
		if err := pubSub.Close(); err != nil {
			logger.Error("failed to close pubsub", "error", err)
		}
	}()

	go func() {
		defer close(ch)
		for msg := range pubSub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Error("failed to unmarshal event", "error", err)
				continue
			}
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
