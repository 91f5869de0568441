package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"provider/internal/monitor"

	"github.com/google/uuid"
)

var (
	_ LogSink    = (*Bus)(nil)
	_ StatusSink = (*Bus)(nil)
)

const publishTimeout = 2 * time.Second

// Bus is the agent's LogSink and StatusSink. Emitting never blocks: events go
// through a bounded buffer and are dropped when it is full. Run delivers them to
// publishers and local subscribers.
type Bus struct {
	events     chan Event
	publishers []Publisher
	logger     *slog.Logger

	mu         sync.RWMutex
	subs       map[string]chan Event
	subsClosed bool

	closeSubs chan struct{}
	closeOnce sync.Once

	dropped atomic.Int64
	now     func() time.Time
}

func NewBus(logger *slog.Logger, bufferSize int, publishers ...Publisher) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Bus{
		events:     make(chan Event, bufferSize),
		publishers: publishers,
		logger:     logger.With("component", "eventbus"),
		subs:       make(map[string]chan Event),
		closeSubs:  make(chan struct{}),
		now:        time.Now,
	}
}

func (b *Bus) Log(text string) {
	b.logger.Debug("Agent log", "text", text)
	b.emit(Event{Type: EventLog, Text: text})
}

func (b *Bus) Status(status AgentStatus) {
	b.logger.Info("Agent status", "status", status)
	b.emit(Event{Type: EventStatus, Status: status})
}

func (b *Bus) emit(e Event) {
	e.Timestamp = b.now()
	select {
	case b.events <- e:
	default:
		b.dropped.Add(1)
		monitor.EventsDropped.Inc()
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe registers a local subscriber (e.g. an SSE client). Slow subscribers
// miss events rather than stall the bus.
func (b *Bus) Subscribe(bufferSize int) (<-chan Event, func()) {
	id := uuid.New().String()
	ch := make(chan Event, bufferSize)

	b.mu.Lock()
	if b.subsClosed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// CloseSubscribers ends every local subscription once the events already
// buffered have been delivered. Publishers keep receiving events; later
// Subscribe calls get a closed channel.
func (b *Bus) CloseSubscribers() {
	b.closeOnce.Do(func() { close(b.closeSubs) })
}

// Run delivers buffered events until ctx is done, then flushes what is left.
// It should be called exactly once.
func (b *Bus) Run(ctx context.Context) {
	closeSubs := b.closeSubs
	for {
		select {
		case <-ctx.Done():
			b.flush()
			b.closeSubscribers()
			return
		case <-closeSubs:
			b.flush()
			b.closeSubscribers()
			closeSubs = nil
		case e := <-b.events:
			b.deliver(ctx, e)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, e Event) {
	for _, p := range b.publishers {
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		if err := p.Publish(pubCtx, e); err != nil {
			b.logger.Warn("Failed to publish event", "type", e.Type, "error", err)
		}
		cancel()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Bus) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case e := <-b.events:
			b.deliver(ctx, e)
		default:
			return
		}
	}
}

func (b *Bus) closeSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subsClosed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
