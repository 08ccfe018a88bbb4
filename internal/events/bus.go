// Package events delivers committed domain events to registered handlers.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"jobshop/internal/domain"
)

// Handler consumes one event. A returned error is reported on the bus error
// channel; it never reaches the code that published the event.
type Handler func(ctx context.Context, e domain.Event) error

// HandlerError describes a failed delivery.
type HandlerError struct {
	Handler string
	Event   domain.Event
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s on %s %s: %v", e.Handler, e.Event.Kind, e.Event.ID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type subscription struct {
	name string
	fn   Handler
}

// Bus dispatches events through a fixed table of kind to handler list.
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.EventKind][]subscription
	errs     chan error
	wg       sync.WaitGroup
}

// NewBus creates a bus whose error channel buffers errBuffer failures.
// Failures beyond the buffer are logged and dropped.
func NewBus(errBuffer int) *Bus {
	b := &Bus{
		handlers: make(map[domain.EventKind][]subscription, len(domain.EventKinds())),
		errs:     make(chan error, max(errBuffer, 1)),
	}
	for _, k := range domain.EventKinds() {
		b.handlers[k] = nil
	}
	return b
}

// Subscribe registers fn for kind. Unknown kinds are rejected.
func (b *Bus) Subscribe(kind domain.EventKind, name string, fn Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[kind]; !ok {
		return fmt.Errorf("unknown event kind %d", int(kind))
	}
	b.handlers[kind] = append(b.handlers[kind], subscription{name: name, fn: fn})
	return nil
}

// SubscribeAll registers fn for every kind.
func (b *Bus) SubscribeAll(name string, fn Handler) {
	for _, k := range domain.EventKinds() {
		_ = b.Subscribe(k, name, fn)
	}
}

// Errors returns the channel failed deliveries are reported on.
func (b *Bus) Errors() <-chan error { return b.errs }

// Publish delivers events in order. Every handler of a kind is invoked even
// when an earlier one fails or panics.
func (b *Bus) Publish(ctx context.Context, events ...domain.Event) {
	for _, e := range events {
		b.mu.RLock()
		subs := b.handlers[e.Kind]
		b.mu.RUnlock()
		for _, s := range subs {
			if err := invoke(ctx, s, e); err != nil {
				b.report(&HandlerError{Handler: s.name, Event: e, Err: err})
			}
		}
	}
}

// Chain publishes events from inside a handler without waiting for their
// delivery.
func (b *Bus) Chain(ctx context.Context, events ...domain.Event) {
	if len(events) == 0 {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.Publish(context.WithoutCancel(ctx), events...)
	}()
}

// Wait blocks until chained deliveries have finished.
func (b *Bus) Wait() { b.wg.Wait() }

func (b *Bus) report(err *HandlerError) {
	log.Warn().
		Str("handler", err.Handler).
		Str("kind", err.Event.Kind.String()).
		Str("event_id", err.Event.ID).
		Err(err.Err).
		Msg("event handler failed")
	select {
	case b.errs <- err:
	default:
		log.Error().Str("handler", err.Handler).Msg("event error channel full, dropping")
	}
}

func invoke(ctx context.Context, s subscription, e domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn(ctx, e)
}
