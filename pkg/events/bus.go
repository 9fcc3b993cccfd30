package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error

// Publisher is the publishing half of the bus, accepted by producers.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Bus is an in-process pub/sub bus. Handlers for one event run
// concurrently; a failing or panicking handler never affects the publisher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	inflight sync.WaitGroup
	logger   *zap.Logger
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for one or more event types
func (b *Bus) Subscribe(handler Handler, types ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], handler)
		b.logger.Debug("event handler subscribed",
			zap.String("event_type", string(t)),
			zap.Int("total_handlers", len(b.handlers[t])),
		)
	}
}

// Publish fans the event out asynchronously. Handler errors are logged.
// The handlers get a context detached from the caller's cancellation.
func (b *Bus) Publish(ctx context.Context, event Event) {
	handlers := b.snapshot(event.Type)
	if len(handlers) == 0 {
		return
	}

	hctx := context.WithoutCancel(ctx)
	for _, h := range handlers {
		b.inflight.Add(1)
		go func(h Handler) {
			defer b.inflight.Done()
			b.run(hctx, h, event)
		}(h)
	}
}

// PublishAndWait delivers the event and waits for every handler. It returns
// the first handler error.
func (b *Bus) PublishAndWait(ctx context.Context, event Event) error {
	handlers := b.snapshot(event.Type)

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		errOut error
	)
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := b.run(ctx, h, event); err != nil {
				errMu.Lock()
				if errOut == nil {
					errOut = err
				}
				errMu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	return errOut
}

// Drain blocks until all asynchronously published events are handled.
func (b *Bus) Drain() {
	b.inflight.Wait()
}

func (b *Bus) snapshot(t EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Handler(nil), b.handlers[t]...)
}

func (b *Bus) run(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(event.Type)),
				zap.String("event_id", event.ID),
				zap.Any("panic", r),
			)
		}
	}()

	if err = h(ctx, event); err != nil {
		b.logger.Error("event handler failed",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
	return err
}
