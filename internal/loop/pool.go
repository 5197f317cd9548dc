package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/remote-agent-terminal/termhub/internal/model"
)

// Task is blocking work run on the pool. It should honour ctx.
type Task func(ctx context.Context) (any, error)

// Pool runs tasks on at most size goroutines and delivers each result back on
// the event loop exactly once. A task that misses its deadline yields
// model.ErrTimeout; its eventual result is discarded.
type Pool struct {
	poster Poster
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
}

// NewPool creates a pool that posts results through poster.
func NewPool(poster Poster, size int) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{poster: poster, sem: semaphore.NewWeighted(int64(size))}
}

// Submit runs task with the given deadline and calls done on the loop. Submit
// never blocks the caller; tasks queue for a free worker and the deadline
// covers the time spent queueing.
func (p *Pool) Submit(timeout time.Duration, task Task, done func(any, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	var once sync.Once
	deliver := func(v any, err error) {
		once.Do(func() {
			cancel()
			p.poster.Post(func() { done(v, err) })
		})
	}

	context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			deliver(nil, fmt.Errorf("task after %s: %w", timeout, model.ErrTimeout))
		}
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		v, err := runTask(ctx, task)
		deliver(v, err)
	}()
}

func runTask(ctx context.Context, task Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pool: task panicked", "panic", r)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Wait blocks until every submitted task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
