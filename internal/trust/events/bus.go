// Package events is an in-process, at-least-once event bus. Security-relevant
// lifecycle events (impersonation issued/revoked, role changes) are published
// here for downstream consumers; delivery is asynchronous so a slow consumer
// never blocks the request path.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
)

// Handler consumes one event. Handlers run on the bus worker goroutine and
// must not block for long.
type Handler func(ctx context.Context, e domain.Event)

// Bus fans events out to subscribed handlers through a buffered queue.
// Publish never blocks: when the queue is full the event is dropped and
// counted, which is acceptable for advisory events (the audit log, not the
// bus, is the durable record).
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers []Handler

	queue   chan domain.Event
	dropped int64

	stop     chan struct{}
	stopped  sync.Once
	workerWG sync.WaitGroup
}

const defaultQueueSize = 256

func NewBus(logger *slog.Logger) *Bus {
	b := &Bus{
		logger: logger,
		queue:  make(chan domain.Event, defaultQueueSize),
		stop:   make(chan struct{}),
	}
	b.workerWG.Add(1)
	go b.run()
	return b
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish enqueues an event without blocking the caller.
func (b *Bus) Publish(name string, payload map[string]string) {
	e := domain.Event{
		Name:       name,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
	select {
	case b.queue <- e:
	default:
		b.mu.Lock()
		b.dropped++
		dropped := b.dropped
		b.mu.Unlock()
		b.logger.Warn("event queue full, dropping event",
			slog.String("event", name),
			slog.Int64("dropped_total", dropped))
	}
}

// Dropped returns how many events have been discarded due to backpressure.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close drains the queue and stops the worker. Events published after Close
// are dropped.
func (b *Bus) Close() {
	b.stopped.Do(func() {
		close(b.stop)
		b.workerWG.Wait()
	})
}

func (b *Bus) run() {
	defer b.workerWG.Done()
	for {
		select {
		case e := <-b.queue:
			b.dispatch(e)
		case <-b.stop:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case e := <-b.queue:
					b.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(e domain.Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	ctx := context.Background()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						slog.String("event", e.Name),
						slog.Any("panic", r))
				}
			}()
			h(ctx, e)
		}()
	}
}
