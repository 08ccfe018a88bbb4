package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobshop/internal/domain"
)

func event(kind domain.EventKind, id string) domain.Event {
	return domain.Event{ID: id, Kind: kind, AggregateID: "t1", OccurredAt: time.Now()}
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(4)
	var got []string
	require.NoError(t, bus.Subscribe(domain.EventTaskScheduled, "broken", func(context.Context, domain.Event) error {
		return errors.New("boom")
	}))
	require.NoError(t, bus.Subscribe(domain.EventTaskScheduled, "panicky", func(context.Context, domain.Event) error {
		panic("kaboom")
	}))
	require.NoError(t, bus.Subscribe(domain.EventTaskScheduled, "audit", func(_ context.Context, e domain.Event) error {
		got = append(got, e.ID)
		return nil
	}))

	bus.Publish(context.Background(), event(domain.EventTaskScheduled, "e1"), event(domain.EventTaskScheduled, "e2"))

	assert.Equal(t, []string{"e1", "e2"}, got)
	require.Len(t, bus.Errors(), 4)
	err := <-bus.Errors()
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "broken", herr.Handler)
	assert.Equal(t, "e1", herr.Event.ID)
}

func TestDispatchByKind(t *testing.T) {
	bus := NewBus(1)
	var scheduled, started int
	require.NoError(t, bus.Subscribe(domain.EventTaskScheduled, "s", func(context.Context, domain.Event) error { scheduled++; return nil }))
	require.NoError(t, bus.Subscribe(domain.EventTaskStarted, "s", func(context.Context, domain.Event) error { started++; return nil }))

	bus.Publish(context.Background(), event(domain.EventTaskStarted, "e1"))

	assert.Equal(t, 0, scheduled)
	assert.Equal(t, 1, started)
	assert.Error(t, bus.Subscribe(domain.EventKind(999), "x", func(context.Context, domain.Event) error { return nil }))
}

func TestChainedEventsAreFireAndForget(t *testing.T) {
	bus := NewBus(1)
	release := make(chan struct{})
	var mu sync.Mutex
	var chained []string

	require.NoError(t, bus.Subscribe(domain.EventTaskCompleted, "cascade", func(ctx context.Context, e domain.Event) error {
		bus.Chain(ctx, event(domain.EventJobStatusChanged, "chained-"+e.ID))
		return nil
	}))
	require.NoError(t, bus.Subscribe(domain.EventJobStatusChanged, "slow", func(_ context.Context, e domain.Event) error {
		<-release
		mu.Lock()
		chained = append(chained, e.ID)
		mu.Unlock()
		return nil
	}))

	bus.Publish(context.Background(), event(domain.EventTaskCompleted, "e1"))

	mu.Lock()
	assert.Empty(t, chained)
	mu.Unlock()

	close(release)
	bus.Wait()
	assert.Equal(t, []string{"chained-e1"}, chained)
}
