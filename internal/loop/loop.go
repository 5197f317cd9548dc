// Package loop provides the server's single event loop and the bounded
// worker pool that runs blocking work off the loop.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
)

// ErrStopped is returned by Call once the loop has stopped.
var ErrStopped = errors.New("event loop stopped")

// Poster schedules fn to run on the event loop.
type Poster interface {
	Post(fn func())
}

// Loop runs posted functions one at a time on a single goroutine. Everything
// that mutates the registry runs here, so registry operations are linearizable
// without locks.
type Loop struct {
	queue chan func()
	done  chan struct{}
}

// New creates a loop with the given queue depth.
func New(depth int) *Loop {
	if depth <= 0 {
		depth = 1024
	}
	return &Loop{
		queue: make(chan func(), depth),
		done:  make(chan struct{}),
	}
}

// Post queues fn. It blocks only while the queue is full and returns
// silently once the loop has stopped.
func (l *Loop) Post(fn func()) {
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.queue <- wrapped:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until ctx is cancelled. A panicking event is logged
// and does not stop the loop.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.queue:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loop: event panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Inline runs posted functions immediately on the caller's goroutine. Tests
// that drive components from one goroutine use it in place of a Loop.
type Inline struct{}

// Post runs fn now.
func (Inline) Post(fn func()) { fn() }
