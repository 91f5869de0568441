package eventbus

import "context"

// LogSink receives the free-text log stream. Implementations must not block.
type LogSink interface {
	Log(text string)
}

// StatusSink receives coarse status transitions. Implementations must not block.
type StatusSink interface {
	Status(status AgentStatus)
}

// Publisher delivers events to one destination (Redis, an in-process
// subscriber set, a health service, ...).
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}
