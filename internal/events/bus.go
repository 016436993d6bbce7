package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/workbench-io/workbench-go/internal/models"
)

// Handler consumes published events. Handler errors are logged and
// never affect sibling handlers or the publisher.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event *models.DomainEvent) error
}

// Middleware may augment an event before versioning and fan-out.
type Middleware func(ctx context.Context, event *models.DomainEvent)

// VersionSource hands out the next per-aggregate version. The postgres
// Store implements it; the in-memory fallback serves tests and
// store-less deployments.
type VersionSource interface {
	NextVersion(ctx context.Context, aggregateID string) (int64, error)
}

// Sink persists published events. Optional.
type Sink interface {
	Append(ctx context.Context, event *models.DomainEvent) error
}

// Bus is a synchronous in-process fan-out with per-aggregate version
// assignment.
type Bus struct {
	mu         sync.RWMutex
	handlers   []Handler
	middleware []Middleware
	versions   VersionSource
	sink       Sink
	logger     *slog.Logger
}

// NewBus creates a bus. versions and sink may both be nil, in which
// case versions are tracked in memory and events are not persisted.
func NewBus(versions VersionSource, sink Sink) *Bus {
	if versions == nil {
		versions = newMemoryVersions()
	}
	return &Bus{
		versions: versions,
		sink:     sink,
		logger:   slog.Default().With("component", "eventbus"),
	}
}

// Subscribe registers a handler.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Use registers middleware applied to every event before publication.
func (b *Bus) Use(m Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, m)
}

// Publish assigns the next per-aggregate version, optionally persists
// the event, then invokes each handler concurrently. A handler error
// is logged and does not affect siblings or the caller.
func (b *Bus) Publish(ctx context.Context, event *models.DomainEvent) error {
	b.mu.RLock()
	middleware := b.middleware
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, m := range middleware {
		m(ctx, event)
	}

	version, err := b.versions.NextVersion(ctx, event.AggregateID)
	if err != nil {
		return err
	}
	event.Version = version

	if b.sink != nil {
		if err := b.sink.Append(ctx, event); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h.Handle(ctx, event); err != nil {
				b.logger.Error("event handler failed",
					"handler", h.Name(),
					"event_type", event.EventType,
					"aggregate_id", event.AggregateID,
					"error", err)
			}
		}(h)
	}
	wg.Wait()

	b.logger.Debug("event published",
		"event_type", event.EventType,
		"aggregate_id", event.AggregateID,
		"version", event.Version)
	return nil
}

// CorrelationMiddleware assigns a correlation ID when the event has
// none, propagating one from the context key when present.
func CorrelationMiddleware() Middleware {
	return func(ctx context.Context, event *models.DomainEvent) {
		if event.CorrelationID != nil {
			return
		}
		if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
			event.CorrelationID = &id
			return
		}
		id := uuid.NewString()
		event.CorrelationID = &id
	}
}

type correlationKey struct{}

// WithCorrelationID stamps a correlation ID onto a context so every
// event published during one job shares it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// memoryVersions tracks per-aggregate versions in process.
type memoryVersions struct {
	mu       sync.Mutex
	counters map[string]int64
}

func newMemoryVersions() *memoryVersions {
	return &memoryVersions{counters: make(map[string]int64)}
}

func (m *memoryVersions) NextVersion(ctx context.Context, aggregateID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[aggregateID]++
	return m.counters[aggregateID], nil
}
