package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Async hands events to another sink from a background goroutine so that
// publishers never wait on it. When the buffer is full new events are
// dropped.
type Async struct {
	next   Sink
	queue  chan Event
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts delivering to next. Call Close to drain the buffer.
func NewAsync(next Sink, buffer int, logger zerolog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		next:   next,
		queue:  make(chan Event, buffer),
		logger: logger.With().Str("component", "events").Logger(),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish queues ev without blocking. Events published after Close are
// discarded.
func (a *Async) Publish(_ context.Context, ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.logger.Warn().Str("event", string(ev.Kind)).Str("doc", ev.DocumentID).Msg("event buffer full, dropping event")
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		a.next.Publish(context.Background(), ev)
	}
}

// Close stops accepting events and waits until the queued ones have been
// delivered or ctx is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
