package events

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.DiscardHandler))
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var got []string

	for range 2 {
		bus.Subscribe(func(ctx context.Context, e domain.Event) {
			mu.Lock()
			got = append(got, e.Name)
			mu.Unlock()
		})
	}

	bus.Publish(domain.EventImpersonationIssued, map[string]string{"grant_id": "g1"})
	bus.Publish(domain.EventUserRoleChanged, nil)
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 4)
	require.Zero(t, bus.Dropped())
}

func TestBusCloseDrainsQueue(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(func(ctx context.Context, e domain.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for range 50 {
		bus.Publish(domain.EventUserInvited, nil)
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 50, count)
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	bus := newTestBus()

	delivered := make(chan struct{})
	bus.Subscribe(func(ctx context.Context, e domain.Event) {
		panic("handler bug")
	})
	bus.Subscribe(func(ctx context.Context, e domain.Event) {
		close(delivered)
	})

	bus.Publish(domain.EventImpersonationRevoked, nil)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran after first panicked")
	}
	bus.Close()
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := newTestBus()

	// A handler that parks forever stalls the worker, so the queue fills.
	block := make(chan struct{})
	bus.Subscribe(func(ctx context.Context, e domain.Event) {
		<-block
	})

	done := make(chan struct{})
	go func() {
		for range 1000 {
			bus.Publish(domain.EventUserInvited, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full queue")
	}
	require.Positive(t, bus.Dropped())
	close(block)
	bus.Close()
}
