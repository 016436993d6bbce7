package events

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/workbench-io/workbench-go/internal/models"
)

type recordingHandler struct {
	name string
	mu   sync.Mutex
	seen []*models.DomainEvent
	fail bool
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Handle(ctx context.Context, event *models.DomainEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return fmt.Errorf("handler %s exploded", h.name)
	}
	h.seen = append(h.seen, event)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestBusAssignsMonotonicVersions(t *testing.T) {
	bus := NewBus(nil, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ev, err := New(TypeCommitCreated, AggregateCommit, "commit-a", map[string]string{"n": fmt.Sprint(i)})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, ev))
		require.Equal(t, int64(i), ev.Version)
	}

	// A different aggregate starts its own sequence.
	ev, err := New(TypeCommitCreated, AggregateCommit, "commit-b", nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, ev))
	require.Equal(t, int64(1), ev.Version)
}

func TestBusFanOutSurvivesHandlerError(t *testing.T) {
	bus := NewBus(nil, nil)
	good := &recordingHandler{name: "good"}
	bad := &recordingHandler{name: "bad", fail: true}
	bus.Subscribe(bad)
	bus.Subscribe(good)

	ev, err := New(TypeJobCompleted, AggregateJob, "job-1", JobCompletedPayload{CommitID: "c1"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), ev), "handler errors must not surface")
	require.Equal(t, 1, good.count())
}

func TestCorrelationMiddleware(t *testing.T) {
	bus := NewBus(nil, nil)
	bus.Use(CorrelationMiddleware())

	ev, err := New(TypeJobStarted, AggregateJob, "job-1", nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), ev))
	require.NotNil(t, ev.CorrelationID)

	// A context-scoped correlation ID wins over a fresh one.
	ctx := WithCorrelationID(context.Background(), "corr-42")
	ev2, err := New(TypeJobCompleted, AggregateJob, "job-1", nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, ev2))
	require.NotNil(t, ev2.CorrelationID)
	require.Equal(t, "corr-42", *ev2.CorrelationID)
}
