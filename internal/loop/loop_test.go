package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/remote-agent-terminal/termhub/internal/model"
)

func startLoop(t *testing.T) (*Loop, func()) {
	t.Helper()
	l := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	return l, func() {
		cancel()
		<-l.Done()
	}
}

func TestLoop_RunsInOrder(t *testing.T) {
	l, cleanup := startLoop(t)
	defer cleanup()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("events out of order: %v", got)
		}
	}
}

func TestLoop_SurvivesPanic(t *testing.T) {
	l, cleanup := startLoop(t)
	defer cleanup()

	l.Post(func() { panic("boom") })
	ran := false
	if err := l.Call(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !ran {
		t.Error("loop stopped after panic")
	}
}

func TestLoop_CallAfterStop(t *testing.T) {
	l, cleanup := startLoop(t)
	cleanup()

	if err := l.Call(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestPool_DeliversResult(t *testing.T) {
	l, cleanup := startLoop(t)
	defer cleanup()

	p := NewPool(l, 2)
	result := make(chan any, 1)
	p.Submit(time.Second, func(ctx context.Context) (any, error) {
		return "ok", nil
	}, func(v any, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		result <- v
	})

	select {
	case v := <-result:
		if v != "ok" {
			t.Errorf("expected ok, got %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("result not delivered")
	}
}

func TestPool_TimeoutDeliversOnce(t *testing.T) {
	l, cleanup := startLoop(t)
	defer cleanup()

	p := NewPool(l, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	errs := make(chan error, 2)

	p.Submit(20*time.Millisecond, func(ctx context.Context) (any, error) {
		<-release
		return "late", nil
	}, func(v any, err error) {
		calls.Add(1)
		errs <- err
	})

	select {
	case err := <-errs:
		if !errors.Is(err, model.ErrTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not delivered")
	}

	close(release)
	p.Wait()
	l.Call(context.Background(), func() {})

	if n := calls.Load(); n != 1 {
		t.Errorf("expected exactly one delivery, got %d", n)
	}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(Inline{}, 2)
	var running, peak atomic.Int32
	done := make(chan struct{}, 6)

	for i := 0; i < 6; i++ {
		p.Submit(time.Second, func(ctx context.Context) (any, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		}, func(any, error) { done <- struct{}{} })
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	p.Wait()

	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent tasks, saw %d", peak.Load())
	}
}

func TestPool_QueuedTaskTimesOut(t *testing.T) {
	p := NewPool(Inline{}, 1)
	release := make(chan struct{})
	errs := make(chan error, 2)

	p.Submit(time.Second, func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}, func(_ any, err error) { errs <- err })

	var ran atomic.Bool
	p.Submit(20*time.Millisecond, func(ctx context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}, func(_ any, err error) { errs <- err })

	select {
	case err := <-errs:
		if !errors.Is(err, model.ErrTimeout) {
			t.Fatalf("expected timeout for the queued task, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not delivered")
	}
	close(release)
	if err := <-errs; err != nil {
		t.Errorf("unexpected error from the running task: %v", err)
	}
	p.Wait()
	if ran.Load() {
		t.Error("queued task ran after its deadline")
	}
}
