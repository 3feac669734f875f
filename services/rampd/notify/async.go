package notify

import (
	"context"
	"sync"

	"cryptoramp/observability"
)

const asyncSink = "async"

type queued struct {
	ctx context.Context
	ev  Event
}

// Async decouples a slow notifier from the caller with a bounded queue drained
// by a single goroutine, preserving event order. A full queue drops the event.
type Async struct {
	next Notifier
	ch   chan queued
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewAsync starts the delivery goroutine for next.
func NewAsync(next Notifier, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{next: next, ch: make(chan queued, buffer), done: make(chan struct{})}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for item := range a.ch {
		a.next.Notify(item.ctx, item.ev)
	}
}

func (a *Async) Notify(ctx context.Context, ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		observability.Events().RecordDropped(asyncSink)
		return
	}
	select {
	case a.ch <- queued{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		observability.Events().RecordDropped(asyncSink)
	}
}

// Close stops accepting events and waits for queued ones to drain or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
